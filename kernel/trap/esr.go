package trap

// ExceptionClass is the EC field of ESR_EL1 (bits 26..32), identifying why
// a synchronous exception was taken. Values mirror the ARMv8-A ARM and the
// original_source exception.rs ExceptionClass enum this package is
// grounded on.
type ExceptionClass uint8

const (
	// ECSVC64 is raised by an SVC instruction executed at AArch64 EL0.
	ECSVC64 ExceptionClass = 0b010101

	// ECDataAbortLowerEL is a data abort taken from a lower exception
	// level (EL0 -> EL1), the class the page-fault handler cares about.
	ECDataAbortLowerEL ExceptionClass = 0b100100

	// ECDataAbortSameEL is a data abort taken without a change in
	// exception level (a kernel-mode fault, always fatal here since the
	// kernel has no demand-paged regions of its own).
	ECDataAbortSameEL ExceptionClass = 0b100101

	// ECInstrAbortLowerEL is an instruction abort from EL0.
	ECInstrAbortLowerEL ExceptionClass = 0b100000
)

// ecMask/ecShift extract the EC field from a raw ESR_EL1 value.
const (
	ecShift = 26
	ecMask  = 0x3f
)

// DecodeEC extracts the exception class from a raw ESR_EL1 value.
func DecodeEC(esr uint64) ExceptionClass {
	return ExceptionClass((esr >> ecShift) & ecMask)
}

// IsWriteFault reports whether a data-abort ESR indicates the faulting
// access was a write (the WnR bit, ESR bit 6). Exported for the vmm
// package's page-fault handler.
func IsWriteFault(esr uint64) bool {
	return esr&(1<<6) != 0
}

// IRQLine identifies a pending interrupt line as reported by the abstract
// interrupt controller (kernel/hal).
type IRQLine uint32

const (
	// IRQTimer is the only interrupt source this core's scheduler reacts
	// to: the periodic tick that drives preemption.
	IRQTimer IRQLine = 0
)
