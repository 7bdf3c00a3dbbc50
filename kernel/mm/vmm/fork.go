package vmm

import (
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/cpu"
	"microkernel/kernel/mm"
)

// invalidateTLBUserFn is mocked by tests and automatically inlined by the
// compiler.
var invalidateTLBUserFn = cpu.InvalidateTLBUser

// nextTableAddrFn derives the virtual base address of the table a parent
// entry at parentEntryAddr points to, exploiting the active tree's own
// recursive self-mapping the same way walk() does. Mocked by tests, which
// cannot fabricate a real recursively-mapped address space.
var nextTableAddrFn = func(parentEntryAddr uintptr, level uint8) uintptr {
	return parentEntryAddr << pageLevelBits[level]
}

// rootTableAddrFn returns the virtual base address of the currently active
// L4 table, i.e. pdtVirtualAddr via the recursive self-map. Mocked by
// tests for the same reason as nextTableAddrFn.
var rootTableAddrFn = func() uintptr { return pdtVirtualAddr }

// incRefCOWFn is registered by pmm.Init via SetCOWFrameIncrementer, mirroring
// SetCOWFrameReleaser: vmm cannot import pmm (pmm already imports vmm), so
// the fork path calls back into pmm's refcount table through this hook.
var incRefCOWFn func(mm.Frame) uint8

// SetCOWFrameIncrementer installs the function ForkAddressSpace calls to
// bump a shared frame's COW refcount once per new tree that references it.
func SetCOWFrameIncrementer(fn func(mm.Frame) uint8) { incRefCOWFn = fn }

// kernelHalfSlot returns the L4 index at which the kernel's half of the
// address space begins, derived from the same kernelPageOffsetForFaults
// boundary the fault handler uses to recognize a kernel-half address -
// the single source of truth for the split, shared across both packages.
func kernelHalfSlot() uintptr {
	return (kernelPageOffsetForFaults >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
}

// ForkAddressSpace builds a new L4 root that aliases the active tree's
// kernel half and deep-copies its user half, sharing every non-stack user
// data page between parent and child under copy-on-write and substituting
// the caller-supplied replacement frames for the parent's kernel stack
// pages.
//
// stackRemap maps a parent kernel-stack frame to the pre-allocated,
// already-copied frame that should back it in the child; every other
// user-half terminal mapping is shared and marked NO_WRITE|COPY_ON_WRITE
// in both trees. The active tree is never itself switched; the caller is
// expected to Activate() the returned table only when actually
// dispatching the child task.
func ForkAddressSpace(stackRemap map[mm.Frame]mm.Frame) (PageDirectoryTable, *kernel.Error) {
	childFrame, err := forkRootTable(rootTableAddrFn(), stackRemap)
	if err != nil {
		return PageDirectoryTable{}, err
	}

	// Every parent leaf entry that just had FlagRW cleared may still have
	// a stale writable translation cached from before the fork; without
	// this, the parent could keep writing through the old TLB entry and
	// never trap into the COW resolver.
	invalidateTLBUserFn()

	return PageDirectoryTable{pdtFrame: childFrame}, nil
}

// forkRootTable copies the active L4 table. Kernel-half entries (at or
// above kernelHalfSlot) are aliased onto the very same table the parent
// already references: the kernel half is shared and mapped identically in
// every task's tree and must never be modified once boot completes, so it
// is neither deep-copied nor COW-marked here - doing either would clear
// FlagRW on the kernel's own heap, allocator bitmap and task table the
// instant any task forked, faulting the next kernel-half write at the
// same exception level with nothing able to resolve it. User-half entries
// are deep-copied under copy-on-write via forkTable, same as before.
func forkRootTable(parentTableAddr uintptr, stackRemap map[mm.Frame]mm.Frame) (mm.Frame, *kernel.Error) {
	childFrame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	childPage, err := mapTemporaryFn(childFrame)
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(childPage.Address(), 0, mm.PageSize)

	const entriesPerTable = 1 << 9
	kernelSlot := kernelHalfSlot()

	for i := 0; i < entriesPerTable; i++ {
		// Slot 511 of the L4 table is the recursive self-mapping entry;
		// skip it here and fix it up below once the child frame is known,
		// instead of copying a reference back into the parent tree.
		if i == entriesPerTable-1 {
			continue
		}

		parentEntryAddr := parentTableAddr + uintptr(i)<<mm.PointerShift
		parentEntry := (*pageTableEntry)(unsafe.Pointer(parentEntryAddr))
		if !parentEntry.HasFlags(FlagPresent) {
			continue
		}

		childEntryAddr := childPage.Address() + uintptr(i)<<mm.PointerShift
		childEntry := (*pageTableEntry)(unsafe.Pointer(childEntryAddr))

		if uintptr(i) >= kernelSlot {
			*childEntry = *parentEntry
			continue
		}

		nextParentTableAddr := nextTableAddrFn(parentEntryAddr, 0)
		childNextFrame, ferr := forkTable(1, nextParentTableAddr, stackRemap)
		if ferr != nil {
			_ = unmapFn(childPage)
			return mm.InvalidFrame, ferr
		}

		*childEntry = *parentEntry
		childEntry.SetFrame(childNextFrame)
	}

	lastEntry := (*pageTableEntry)(unsafe.Pointer(childPage.Address() + uintptr(entriesPerTable-1)<<mm.PointerShift))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(childFrame)

	_ = unmapFn(childPage)
	return childFrame, nil
}

// forkTable recursively copies the parent table reachable at
// parentTableAddr (a virtual address through the active tree's own
// recursive self-mapping) into a freshly allocated frame, returning that
// frame. Only ever called for levels 1-3 (L3 down to L1): the L4 root is
// handled by forkRootTable, which is the only level that distinguishes
// kernel-half from user-half entries.
func forkTable(level uint8, parentTableAddr uintptr, stackRemap map[mm.Frame]mm.Frame) (mm.Frame, *kernel.Error) {
	childFrame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	childPage, err := mapTemporaryFn(childFrame)
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(childPage.Address(), 0, mm.PageSize)

	const entriesPerTable = 1 << 9
	for i := 0; i < entriesPerTable; i++ {
		parentEntryAddr := parentTableAddr + uintptr(i)<<mm.PointerShift
		parentEntry := (*pageTableEntry)(unsafe.Pointer(parentEntryAddr))
		if !parentEntry.HasFlags(FlagPresent) {
			continue
		}

		childEntryAddr := childPage.Address() + uintptr(i)<<mm.PointerShift
		childEntry := (*pageTableEntry)(unsafe.Pointer(childEntryAddr))

		if level < pageLevels-1 {
			nextParentTableAddr := nextTableAddrFn(parentEntryAddr, level)
			childNextFrame, ferr := forkTable(level+1, nextParentTableAddr, stackRemap)
			if ferr != nil {
				_ = unmapFn(childPage)
				return mm.InvalidFrame, ferr
			}

			*childEntry = *parentEntry
			childEntry.SetFrame(childNextFrame)
			continue
		}

		// L1 leaf entry: either a kernel-stack page being substituted for
		// the child, or an ordinary data page shared under COW.
		parentFrame := parentEntry.Frame()
		if replacement, ok := stackRemap[parentFrame]; ok {
			*childEntry = *parentEntry
			childEntry.SetFrame(replacement)
			continue
		}

		parentEntry.ClearFlags(FlagRW)
		parentEntry.SetFlags(FlagCopyOnWrite)
		*childEntry = *parentEntry

		if incRefCOWFn != nil {
			incRefCOWFn(parentFrame)
		}
	}

	_ = unmapFn(childPage)
	return childFrame, nil
}
