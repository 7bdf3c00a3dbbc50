package pmm

import (
	"reflect"
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
)

// cowTable tracks, per physical frame, how many page tables currently
// reference it. A frame shared by a fork() is mapped read-only with
// FlagCopyOnWrite in every address space that references it; its count
// only drops back to zero (and the frame is returned to the bitmap
// allocator) once every referencing mapping has either been unmapped or
// resolved its own private copy on a write fault.
//
// The table has to exist before goruntime.Init runs (pmm.Init is called
// before the Go runtime is bootstrapped), so it can't be a map or a
// native slice backed by the allocator. Instead it is a flat byte array,
// one entry per frame, reserved and mapped the same way bitmapAllocatorT
// reserves its own pool/bitmap storage.
var (
	cowTable    []uint8
	cowTableHdr reflect.SliceHeader
)

// initCOWTable reserves and zero-fills a byte array large enough to hold
// one refcount per frame known to the bitmap allocator, then registers
// FreeFrame as the vmm package's COW release callback so the page-fault
// handler can drop a shared frame's reference once it has copied it.
func initCOWTable() *kernel.Error {
	maxFrame := mm.Frame(0)
	for i := range bitmapAllocator.pools {
		if bitmapAllocator.pools[i].endFrame > maxFrame {
			maxFrame = bitmapAllocator.pools[i].endFrame
		}
	}

	entries := uint64(maxFrame) + 1
	requiredBytes := (entries + uint64(mm.PageSize-1)) &^ uint64(mm.PageSize-1)
	requiredPages := requiredBytes >> mm.PageShift

	regionAddr, err := reserveRegionFn(uintptr(requiredBytes))
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(regionAddr), uint64(0); index < requiredPages; page, index = page+1, index+1 {
		frame, ferr := earlyAllocFrame()
		if ferr != nil {
			return ferr
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		memsetFn(page.Address(), 0, mm.PageSize)
	}

	cowTableHdr.Data = regionAddr
	cowTableHdr.Len = int(entries)
	cowTableHdr.Cap = int(entries)
	cowTable = *(*[]uint8)(unsafe.Pointer(&cowTableHdr))

	vmm.SetCOWFrameReleaser(FreeFrame)
	vmm.SetCOWFrameIncrementer(IncRefCOW)
	return nil
}

// setRefCOW sets frame's refcount to n. Used when a frame is first handed
// out by the bitmap allocator (refcount 1, no sharing yet).
func setRefCOW(frame mm.Frame, n uint8) {
	if int(frame) < len(cowTable) {
		cowTable[frame] = n
	}
}

// IncRefCOW bumps frame's refcount by one, returning the new value. Called
// by the fork implementation for every frame a child address space starts
// sharing with its parent. Saturates at 255 rather than wrapping back to 0,
// which would otherwise let decRefCOW free the frame while other mappings
// still reference it.
func IncRefCOW(frame mm.Frame) uint8 {
	if int(frame) >= len(cowTable) {
		return 0
	}
	if cowTable[frame] == 255 {
		return 255
	}
	cowTable[frame]++
	return cowTable[frame]
}

// decRefCOW drops frame's refcount by one and returns the value after the
// decrement. A frame is only returned to the bitmap allocator once this
// reaches zero.
func decRefCOW(frame mm.Frame) uint8 {
	if int(frame) >= len(cowTable) || cowTable[frame] == 0 {
		return 0
	}
	cowTable[frame]--
	return cowTable[frame]
}
