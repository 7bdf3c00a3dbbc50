// Package hal defines the narrow contracts the exception/IRQ dispatch and
// scheduler core need from hardware this module does not implement: a
// UART, a timer, an interrupt controller, and an ELF loader. Concrete
// drivers are out of scope; this package only specifies the interface
// boundary and a probe/attach registry, adapted from the reference
// kernel's own kernel/hal probe-and-attach pattern (device.Driver list ->
// probe -> onDriverInit) down to the handful of collaborators this core
// actually needs.
package hal

import "microkernel/kernel"

// UART is the minimal console contract Log (kernel/ipc) writes through.
type UART interface {
	Init() *kernel.Error
	PutC(b byte)
}

// Timer is the periodic interrupt source the scheduler's timer tick relies
// on. Two concrete backends exist in the wild this kernel targets (the
// raspi4 GIC-routed local timer and the raspi3/QEMU CNTP_EL0 virtual
// timer, per original_source/arch/aarch64/src/timer.rs); both satisfy this
// same contract.
type Timer interface {
	Init(hz uint32) *kernel.Error
	Pending() bool
}

// InterruptController abstracts enable/ack/EOI for the handful of lines
// this kernel cares about (today: just the timer).
type InterruptController interface {
	Enable(irq uint32)
	Ack() uint32
	EOI(irq uint32)
}

// ELFLoader parses a user binary and maps its PT_LOAD segments into the
// target address space, returning the entry point. Grounded in
// original_source/kernel/src/task/exec.rs's exec_user, which performs the
// equivalent job using the goblin crate.
type ELFLoader interface {
	Load(elf []byte, mapSegment func(virtAddr uintptr, data []byte, writable, executable bool) *kernel.Error) (entryPC uintptr, err *kernel.Error)
}

var (
	activeUART                UART
	activeTimer               Timer
	activeInterruptController InterruptController
	activeELFLoader           ELFLoader
)

// RegisterUART, RegisterTimer, RegisterInterruptController and
// RegisterELFLoader let an out-of-scope driver attach itself during its
// own package init without this module importing any concrete driver
// package.
func RegisterUART(u UART)                                { activeUART = u }
func RegisterTimer(t Timer)                               { activeTimer = t }
func RegisterInterruptController(c InterruptController) { activeInterruptController = c }
func RegisterELFLoader(l ELFLoader)                      { activeELFLoader = l }

// timerFrequencyHz is the scheduler's preemption tick rate.
const timerFrequencyHz = 100

// DetectHardware runs initialization for whatever drivers registered
// themselves via the Register* calls above. Called once from Kmain after
// the vmm is up; a no-op if nothing registered, which is the case under
// the unit-test harness.
func DetectHardware() {
	if activeUART != nil {
		_ = activeUART.Init()
	}
	if activeTimer != nil {
		_ = activeTimer.Init(timerFrequencyHz)
	}
	if activeInterruptController != nil {
		activeInterruptController.Enable(uint32(0))
	}
}

// PutC writes a single byte to the console, if one is attached.
func PutC(b byte) {
	if activeUART != nil {
		activeUART.PutC(b)
	}
}

// AckIRQ and EOIIRQ delegate to the registered interrupt controller. They
// are invoked directly by kernel/trap's IRQ dispatcher.
func AckIRQ() uint32 {
	if activeInterruptController == nil {
		return ^uint32(0)
	}
	return activeInterruptController.Ack()
}

func EOIIRQ(irq uint32) {
	if activeInterruptController != nil {
		activeInterruptController.EOI(irq)
	}
}

// LoadELF delegates to the registered ELF loader.
func LoadELF(elf []byte, mapSegment func(virtAddr uintptr, data []byte, writable, executable bool) *kernel.Error) (uintptr, *kernel.Error) {
	if activeELFLoader == nil {
		return 0, &kernel.Error{Module: "hal", Message: "no ELF loader registered"}
	}
	return activeELFLoader.Load(elf, mapSegment)
}
