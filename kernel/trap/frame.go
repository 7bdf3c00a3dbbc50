// Package trap implements the AArch64 exception vector table, the
// sync/IRQ/FIQ/SError dispatch logic built on top of it, and the
// ExceptionFrame type the vector-table trampolines save every register
// into. It is the Go-side counterpart of the reference kernel's irq/gate
// packages, merged into a single register-frame convention since this
// kernel only has one trap entry path rather than two competing ones.
package trap

import "microkernel/kernel/kfmt"

// ExceptionFrame is pushed onto the current kernel stack by the vector
// table's save trampoline before any Go handler runs, and restored by the
// same trampoline's RESTORE_FRAME on the way back to the interrupted
// context. Caller-saved: every general-purpose register is preserved here
// because an arbitrary handler may run between the trap and the eret,
// unlike Context (kernel/task) which only carries the callee-saved set. Of
// the NEON registers only the low 64 bits of each are saved and restored;
// the high halves in Q are not written by the trampoline.
//
// Field order matches the push/pop order emitted by the assembly
// trampoline in vector_arm64.s; do not reorder without updating both.
type ExceptionFrame struct {
	Q [32][2]uint64 // NEON/FP Q0-Q31, low/high 64-bit halves

	X [31]uint64 // x0-x30 (x30 is the link register)

	SPEL0   uint64 // stack pointer at EL0 when the trap occurred
	ELREL1  uint64 // return address (ELR_EL1)
	SPSREL1 uint64 // saved processor state (SPSR_EL1)
	ESREL1  uint64 // exception syndrome, snapshotted at entry

	// _pad brings the frame to 808 bytes. vector_arm64.s reserves
	// FRAME_SIZE (816), the next multiple of 16, so that SP stays 16-byte
	// aligned at every instruction boundary that could be interrupted, as
	// AAPCS64 requires.
	_pad [2]uint64
}

// Arg returns syscall/exception argument register xN (0-indexed).
func (f *ExceptionFrame) Arg(n int) uint64 { return f.X[n] }

// SetReturn writes v into x0, the register eret will hand back to the
// caller as a syscall's return value.
func (f *ExceptionFrame) SetReturn(v uint64) { f.X[0] = v }

// Print dumps the frame contents to the active console; used by panic
// paths and the non-recoverable page-fault handler.
func (f *ExceptionFrame) Print() {
	kfmt.Printf("ESR_EL1 = %16x ELR_EL1 = %16x\n", f.ESREL1, f.ELREL1)
	kfmt.Printf("SPSR_EL1= %16x SP_EL0  = %16x\n", f.SPSREL1, f.SPEL0)
	for i := 0; i < 31; i += 2 {
		if i+1 < 31 {
			kfmt.Printf("x%-2d = %16x x%-2d = %16x\n", i, f.X[i], i+1, f.X[i+1])
		} else {
			kfmt.Printf("x%-2d = %16x\n", i, f.X[i])
		}
	}
}
