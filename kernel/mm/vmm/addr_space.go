package vmm

import (
	"microkernel/kernel"
	"microkernel/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// tempMappingAddr, the last page of the kernel address space below the
	// region covered by the recursive L4 slot 511.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// WithTemporaryLowTable installs frame as the active low (TTBR0_EL1) page
// table for the duration of fn, then restores whichever table was active
// beforehand. This lets the kernel walk or mutate an inactive task's
// user-half tree through the ordinary recursively-mapped walk() machinery
// instead of needing a second, permanently-mapped recursive slot.
func WithTemporaryLowTable(frame mm.Frame, fn func(PageDirectoryTable)) {
	prevAddr := activePDTFn()
	switchPDTFn(frame.Address())

	fn(PageDirectoryTable{pdtFrame: frame})

	switchPDTFn(prevAddr)
}
