package pmm

import (
	"reflect"
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/kfmt/early"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
)

var memsetFn = kernel.Memset

var (
	// reserveRegionFn/mapFn are mocked by tests and inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	startFrame mm.Frame
	endFrame   mm.Frame
	freeCount  uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// bitmapAllocatorT implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. It is
// bootstrapped once via init, using the bootMemAllocator to back its own
// bookkeeping structures, and serves every frame allocation for the rest of
// the kernel's lifetime.
type bitmapAllocatorT struct {
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any already-reserved pages (kernel image, bootmem
// allocations) as reserved.
func (alloc *bitmapAllocatorT) init(regions []MemRegion) *kernel.Error {
	if err := alloc.setupPoolBitmaps(regions); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm region reservation
// helper to initialize the list of available pools and their free bitmap
// slices.
func (alloc *bitmapAllocatorT) setupPoolBitmaps(regions []MemRegion) *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mm.PageSize - 1)
		requiredBitmapBytes uint64
	)

	for i := range regions {
		region := &regions[i]
		if region.Type != MemAvailable {
			continue
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mm.Frame(((uint64(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// Each pool needs pageCount bits; round up to a multiple of 64.
		requiredBitmapBytes += ((uint64(pageCount) + 63) &^ 63) >> 3
	}

	requiredBytes := ((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + requiredBitmapBytes) + pageSizeMinus1) &^ pageSizeMinus1
	requiredPages := requiredBytes >> mm.PageShift
	var allocErr *kernel.Error
	alloc.poolsHdr.Data, allocErr = reserveRegionFn(uintptr(requiredBytes))
	if allocErr != nil {
		return allocErr
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), uint64(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, ferr := earlyAllocFrame()
		if ferr != nil {
			return ferr
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		memsetFn(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	for i := range regions {
		region := &regions[i]
		if region.Type != MemAvailable {
			continue
		}

		regionStartFrame := mm.Frame(((uint64(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame + 1) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
	}

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to frame.
func (alloc *bitmapAllocatorT) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool containing frame, or -1 if no
// pool covers it (e.g. frame lies in a reserved memory region).
func (alloc *bitmapAllocatorT) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}
	return -1
}

func (alloc *bitmapAllocatorT) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootMemAllocator.kernelStartFrame)
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames decomissions the early allocator by replaying
// its allocation count against a reset copy of its state, flagging every
// frame it previously handed out as reserved in the bitmap.
func (alloc *bitmapAllocatorT) reserveEarlyAllocatorFrames() {
	allocCount := bootMemAllocator.allocCount
	bootMemAllocator.allocCount, bootMemAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootMemAllocator.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *bitmapAllocatorT) printStats() {
	early.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame returns the next free frame across all pools, marking it
// reserved, and gives it an initial COW refcount of 1.
func (alloc *bitmapAllocatorT) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for block := 0; block < len(pool.freeBitmap); block++ {
			if pool.freeBitmap[block] == ^uint64(0) {
				continue
			}

			for bit := 0; bit < 64; bit++ {
				mask := uint64(1 << (63 - bit))
				if pool.freeBitmap[block]&mask != 0 {
					continue
				}

				frame := pool.startFrame + mm.Frame(block<<6+bit)
				alloc.markFrame(poolIndex, frame, markReserved)
				setRefCOW(frame, 1)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
}

// freeFrame marks frame free again. Called by pmm.FreeFrame once the COW
// refcount for frame has dropped to zero.
func (alloc *bitmapAllocatorT) freeFrame(frame mm.Frame) {
	alloc.markFrame(alloc.poolForFrame(frame), frame, markFree)
}
