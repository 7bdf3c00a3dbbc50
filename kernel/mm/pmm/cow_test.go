package pmm

import (
	"microkernel/kernel/mm"
	"testing"
)

func withCOWTable(size int, fn func()) {
	orig := cowTable
	cowTable = make([]uint8, size)
	defer func() { cowTable = orig }()
	fn()
}

func TestSetRefCOW(t *testing.T) {
	withCOWTable(8, func() {
		setRefCOW(mm.Frame(3), 5)
		if cowTable[3] != 5 {
			t.Fatalf("expected refcount 5; got %d", cowTable[3])
		}

		// Out-of-range frames are silently ignored; the table only covers
		// frames the bitmap allocator actually knows about.
		setRefCOW(mm.Frame(100), 1)
	})
}

func TestIncRefCOW(t *testing.T) {
	withCOWTable(8, func() {
		setRefCOW(mm.Frame(1), 1)
		if got := IncRefCOW(mm.Frame(1)); got != 2 {
			t.Fatalf("expected refcount 2 after increment; got %d", got)
		}
		if got := IncRefCOW(mm.Frame(1)); got != 3 {
			t.Fatalf("expected refcount 3 after second increment; got %d", got)
		}

		if got := IncRefCOW(mm.Frame(100)); got != 0 {
			t.Fatalf("expected out-of-range increment to report 0; got %d", got)
		}
	})
}

func TestDecRefCOW(t *testing.T) {
	withCOWTable(8, func() {
		setRefCOW(mm.Frame(2), 2)

		if got := decRefCOW(mm.Frame(2)); got != 1 {
			t.Fatalf("expected refcount 1 after decrement; got %d", got)
		}
		if got := decRefCOW(mm.Frame(2)); got != 0 {
			t.Fatalf("expected refcount 0 after second decrement; got %d", got)
		}
		// Already at zero; must not wrap around.
		if got := decRefCOW(mm.Frame(2)); got != 0 {
			t.Fatalf("expected decrementing a zeroed frame to stay 0; got %d", got)
		}

		if got := decRefCOW(mm.Frame(100)); got != 0 {
			t.Fatalf("expected out-of-range decrement to report 0; got %d", got)
		}
	})
}

func TestFreeFrameReleasesOnlyWhenUnshared(t *testing.T) {
	defer func() { bitmapAllocator = bitmapAllocatorT{} }()

	withCOWTable(8, func() {
		pool := framePool{startFrame: 0, endFrame: 7, freeCount: 0}
		pool.freeBitmap = make([]uint64, 1)
		pool.freeBitmap[0] = ^uint64(0)
		bitmapAllocator = bitmapAllocatorT{pools: []framePool{pool}}

		setRefCOW(mm.Frame(4), 2)

		FreeFrame(mm.Frame(4))
		if bitmapAllocator.pools[0].freeCount != 0 {
			t.Fatal("expected frame still shared (refcount 1) to stay reserved")
		}

		FreeFrame(mm.Frame(4))
		if bitmapAllocator.pools[0].freeCount != 1 {
			t.Fatal("expected frame to be released once its last reference dropped")
		}
	})
}
