package vmm

import (
	"microkernel/kernel"
	"microkernel/kernel/mm"
)

var (
	// translateFn is mocked by tests and automatically inlined by the
	// compiler.
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}

	// kernelPageOffsetForFaults is the virtual address at which the
	// kernel's half of the address space begins, recorded by Init so the
	// fault handler can immediately kill a user-mode access that targets
	// it rather than consulting VMAs or COW state.
	kernelPageOffsetForFaults uintptr
)

// Init initializes the vmm system, creates a granular PDT for the kernel and
// installs the page-fault handler.
func Init(kernelPageOffset, kernelStart, kernelEnd uintptr) *kernel.Error {
	kernelPageOffsetForFaults = kernelPageOffset

	if err := setupPDTForKernel(kernelPageOffset, kernelStart, kernelEnd); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mm.Page
	)

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}
