package trap

import (
	"microkernel/kernel/cpu"
	"microkernel/kernel/hal"
	"microkernel/kernel/kfmt"
)

// SyncHandler handles a synchronous exception (SVC, data/instruction
// abort). It receives the frame saved at trap entry and, for data aborts,
// the faulting virtual address.
type SyncHandler func(frame *ExceptionFrame, faultAddr uintptr)

// IRQHandler handles a dispatched hardware interrupt.
type IRQHandler func(frame *ExceptionFrame)

var (
	syncHandlers  = map[ExceptionClass]SyncHandler{}
	irqHandlers   = map[IRQLine]IRQHandler{}
	serrorHandler SyncHandler

	readFARFn = cpu.ReadFAR
	ackFn     = hal.AckIRQ
	eoiFn     = hal.EOIIRQ
)

// HandleSync registers the handler invoked for synchronous exceptions of
// the given class. Registering twice for the same class replaces the
// previous handler; the vmm and syscall packages each call this from their
// own Init so the vector table assembly never needs to know about either.
func HandleSync(ec ExceptionClass, handler SyncHandler) {
	syncHandlers[ec] = handler
}

// HandleSError registers the handler invoked for all SError exceptions. It
// is kept distinct from HandleSync even though both route through the same
// save/classify/dispatch machinery: a future policy change (e.g. making
// SError unconditionally fatal) should not have to touch the Synchronous
// path.
func HandleSError(handler SyncHandler) {
	serrorHandler = handler
}

// HandleIRQ registers the handler invoked when the interrupt controller
// reports line as pending.
func HandleIRQ(line IRQLine, handler IRQHandler) {
	irqHandlers[line] = handler
}

// Init installs the vector table. It registers no handlers; an exception
// class nothing else claims falls through to dispatchSync's fatal panic.
func Init() {
	installVectorTable()
}

// dispatchSync is invoked by the assembly trampoline for every synchronous
// exception. It classifies ESR_EL1 and routes to the registered handler,
// falling back to a fatal panic for anything unrecognized.
//
//go:nosplit
func dispatchSync(frame *ExceptionFrame) {
	ec := DecodeEC(frame.ESREL1)

	handler, ok := syncHandlers[ec]
	if !ok {
		kfmt.Printf("unhandled synchronous exception, EC=0x%x\n", uint8(ec))
		frame.Print()
		panic("unhandled synchronous exception")
	}

	var faultAddr uintptr
	if ec == ECDataAbortLowerEL || ec == ECDataAbortSameEL || ec == ECInstrAbortLowerEL {
		faultAddr = readFARFn()
	}

	handler(frame, faultAddr)
}

// dispatchIRQ is invoked by the assembly trampoline for every IRQ. EOI is
// issued before any reschedule the handler triggers, so a handler that
// blocks or yields never leaves the interrupt controller holding the line.
//
//go:nosplit
func dispatchIRQ(frame *ExceptionFrame) {
	line := IRQLine(ackFn())

	handler, ok := irqHandlers[line]
	eoiFn(uint32(line))

	if !ok {
		kfmt.Printf("unhandled IRQ line %d\n", line)
		panic("unhandled IRQ line")
	}

	handler(frame)
}

// dispatchSError is invoked by the assembly trampoline for SError.
//
//go:nosplit
func dispatchSError(frame *ExceptionFrame) {
	if serrorHandler != nil {
		serrorHandler(frame, readFARFn())
		return
	}

	kfmt.Printf("unrecoverable SError, ESR=0x%x\n", frame.ESREL1)
	frame.Print()
	panic("SError")
}
