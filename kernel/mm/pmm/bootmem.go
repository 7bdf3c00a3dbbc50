package pmm

import (
	"microkernel/kernel"
	"microkernel/kernel/kfmt/early"
	"microkernel/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// bootMemAllocatorT implements a rudimentary physical memory allocator used
// to bootstrap the kernel before the bitmap allocator is ready.
//
// Allocations are tracked via an internal counter that contains the last
// allocated frame. Freeing is not supported: once the kernel is properly
// initialized, any blocks handed out by this allocator are replayed and
// flagged reserved in the bitmap allocator (see reserveEarlyAllocatorFrames
// in bitmap.go).
type bootMemAllocatorT struct {
	allocCount     uint64
	lastAllocFrame mm.Frame

	regions []MemRegion

	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state, recording the
// kernel image's own frame range so AllocFrame never hands it out.
func (alloc *bootMemAllocatorT) init(kernelStart, kernelEnd uintptr, regions []MemRegion) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.regions = regions
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart &^ pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1)&^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the memory map the boot stub reported and reserves the
// next available free frame, skipping the region occupied by the kernel
// image.
func (alloc *bootMemAllocatorT) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	for i := range alloc.regions {
		region := &alloc.regions[i]
		if region.Type != MemAvailable || region.Length < uint64(mm.PageSize) {
			continue
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((uint64(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1

		if alloc.lastAllocFrame >= regionEndFrame {
			continue
		}

		switch {
		case (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame):
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		case alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0:
			alloc.lastAllocFrame = regionStartFrame
		default:
			alloc.lastAllocFrame++
		}

		if alloc.lastAllocFrame > regionEndFrame {
			continue
		}

		err = nil
		break
	}

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap logs the memory map the boot stub reported and the
// kernel's own footprint within it.
func (alloc *bootMemAllocatorT) printMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	for i := range alloc.regions {
		region := &alloc.regions[i]
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, uint64(region.PhysAddress)+region.Length, region.Length, region.Type.String())
		if region.Type == MemAvailable {
			totalFree += region.Length
		}
	}
	early.Printf("[boot_mem_alloc] available memory: %dKb\n", totalFree/1024)
	early.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	early.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
