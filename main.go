package main

import "microkernel/kernel"

// main is the only Go symbol visible (exported) to the rt0 assembly stub
// that drops the CPU from EL2 to EL1, clears bss and builds a minimal g0
// so that Go code can run on the 4K stack set up by that stub. It exists
// purely as a trampoline so the compiler does not optimize kernel.Kmain
// away as dead code: the rt0 entry point is not part of this module.
//
// main is not expected to return. If it does, the rt0 stub halts the core.
func main() {
	kernel.Kmain(0)
}
