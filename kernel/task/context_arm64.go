package task

// Context holds the callee-saved register state preserved across a
// cooperative context switch between two kernel stacks. Caller-saved
// registers are already protected by the Go compiler's own prologue and
// epilogue around the switchContext call site, and a trap taken while a
// task runs saves its own full register set into a trap.ExceptionFrame on
// that task's kernel stack; Context only needs the AAPCS64 callee-saved
// set (X19-X29, SP, the low 64 bits of D8-D15) plus the PC switchContext
// resumes at.
//
// Grounded in original_source/src/task/context.rs's Context struct, with
// the save set trimmed from "every register" (which a freestanding Rust
// switch_context routine has to do, being the only possible save point) to
// the registers a switch point sitting under the Go calling convention
// actually needs.
type Context struct {
	SP  uintptr
	X19 uintptr
	X20 uintptr
	X21 uintptr
	X22 uintptr
	X23 uintptr
	X24 uintptr
	X25 uintptr
	X26 uintptr
	X27 uintptr
	X28 uintptr
	FP  uintptr // x29
	PC  uintptr // x30 at the point of the switch; the address execution resumes at

	D [8]uint64 // D8-D15, callee-saved per AAPCS64
}

// switchContext saves the currently running task's register state into
// from, installs newPDTPhysAddr as the active user address space
// (TTBR0_EL1), and restores to, resuming execution at to.PC. Implemented
// in context_arm64.s; the page-table switch is folded into the same
// routine so every return from switchContext is guaranteed to already be
// running against the correct address space, mirroring
// original_source/src/task/context.rs's switch_context.
func switchContext(from, to *Context, newPDTPhysAddr uintptr)
