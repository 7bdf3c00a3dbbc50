// Package cpu provides arch-specific leaf functions (system register
// access, TLB/cache maintenance, interrupt masking) on top of which the
// rest of the kernel is built.
package cpu

var (
	midrFn = ReadMIDR
)

// EnableInterrupts unmasks IRQ and FIQ delivery (clears PSTATE.{I,F}).
func EnableInterrupts()

// DisableInterrupts masks debug, SError, IRQ and FIQ delivery (sets
// PSTATE.{D,A,I,F}).
func DisableInterrupts()

// Halt executes wfe in a loop; it never returns.
func Halt()

// FlushTLBEntry invalidates the TLB entry (all ASIDs, inner-shareable) for
// the page containing virtAddr and executes the dsb/isb pair required for
// the invalidation to be visible to subsequent instructions.
func FlushTLBEntry(virtAddr uintptr)

// InvalidateTLBUser invalidates every TLB entry tagged for the current
// user (TTBR0) address space. Used after installing a new root table.
func InvalidateTLBUser()

// SwitchPDT writes pdtPhysAddr into TTBR0_EL1, bracketed by the barrier and
// TLB-invalidation sequence required by the architecture, and flushes the
// user half of the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently installed in TTBR0_EL1.
func ActivePDT() uintptr

// ReadFAR returns the contents of FAR_EL1 (the address that faulted).
func ReadFAR() uintptr

// ReadESR returns the contents of ESR_EL1 (the exception syndrome).
func ReadESR() uint64

// ReadELR returns the contents of ELR_EL1 (the saved return address).
func ReadELR() uintptr

// ReadMIDR returns the contents of MIDR_EL1 (main ID register), used to
// identify the implementer and part number of the core.
func ReadMIDR() uint64

// WFI executes wfi once, blocking until the next interrupt or event.
func WFI()

// IsQEMUVirt returns true if the core's MIDR_EL1 implementer field matches
// the value QEMU's "virt" machine reports for its generic AArch64 core.
func IsQEMUVirt() bool {
	const qemuImplementer = 0x51 // reported implementer field in QEMU TCG cores
	return (midrFn()>>24)&0xff == qemuImplementer
}
