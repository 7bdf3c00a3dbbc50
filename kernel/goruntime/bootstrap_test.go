package goruntime

import (
	"reflect"
	"testing"
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
)

func TestSysReserve(t *testing.T) {
	defer func() { earlyReserveRegionFn = vmm.EarlyReserveRegion }()
	var reserved bool

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			// exact multiple of page size
			{100 * mm.PageSize, 100 * mm.PageSize},
			// size should be rounded up to the nearest page size
			{2*mm.PageSize - 1, 2 * mm.PageSize},
		}

		for specIndex, spec := range specs {
			earlyReserveRegionFn = func(rsvSize uintptr) (uintptr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}
				return 0xbadf00d, nil
			}

			if ptr := sysReserve(nil, spec.reqSize, &reserved); uintptr(ptr) == 0 {
				t.Errorf("[spec %d] sysReserve returned 0", specIndex)
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysReserve to panic")
			}
		}()

		earlyReserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		sysReserve(nil, 0xf00, &reserved)
	})
}

func TestSysMap(t *testing.T) {
	defer func() {
		earlyReserveRegionFn = vmm.EarlyReserveRegion
		mapFn = vmm.Map
	}()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr         uintptr
			reqSize         uintptr
			expRsvAddr      uintptr
			expMapCallCount int
		}{
			{100 * mm.PageSize, 4 * mm.PageSize, 100 * mm.PageSize, 4},
			{100*mm.PageSize + 1, 4 * mm.PageSize, 101 * mm.PageSize, 4},
			{1 * mm.PageSize, 4*mm.PageSize + 1, 1 * mm.PageSize, 5},
		}

		for specIndex, spec := range specs {
			var sysStat uint64
			mapCallCount := 0
			mapFn = func(_ mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				if frame != vmm.ReservedZeroedFrame {
					t.Errorf("[spec %d] expected sysMap to back every page with the reserved zeroed frame", specIndex)
				}
				if exp := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagCopyOnWrite; flags != exp {
					t.Errorf("[spec %d] expected map flags %d; got %d", specIndex, exp, flags)
				}
				mapCallCount++
				return nil
			}

			got := sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, true, &sysStat)
			if uintptr(got) != spec.expRsvAddr {
				t.Errorf("[spec %d] expected mapped address 0x%x; got 0x%x", specIndex, spec.expRsvAddr, uintptr(got))
			}
			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected %d Map calls; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}
			if exp := uint64(spec.expMapCallCount) << mm.PageShift; sysStat != exp {
				t.Errorf("[spec %d] expected stat counter %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("map fails", func(t *testing.T) {
		mapFn = func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysMap(unsafe.Pointer(uintptr(0xbadf00d)), 1, true, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysMap to return 0x0 when Map fails; got 0x%x", uintptr(got))
		}
	})

	t.Run("panics if not reserved", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic")
			}
		}()

		sysMap(nil, 0, false, nil)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() {
		earlyReserveRegionFn = vmm.EarlyReserveRegion
		mapFn = vmm.Map
		frameAllocFn = mm.AllocFrame
	}()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize         uintptr
			expMapCallCount int
		}{
			{4 * mm.PageSize, 4},
			{4*mm.PageSize + 1, 5},
		}

		expRegionStartAddr := uintptr(10 * mm.PageSize)
		earlyReserveRegionFn = func(uintptr) (uintptr, *kernel.Error) { return expRegionStartAddr, nil }
		frameAllocFn = func() (mm.Frame, *kernel.Error) { return mm.Frame(0), nil }

		for specIndex, spec := range specs {
			var sysStat uint64
			mapCallCount := 0
			mapFn = func(_ mm.Page, _ mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				if exp := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW; flags != exp {
					t.Errorf("[spec %d] expected map flags %d; got %d", specIndex, exp, flags)
				}
				mapCallCount++
				return nil
			}

			if got := sysAlloc(spec.reqSize, &sysStat); uintptr(got) != expRegionStartAddr {
				t.Errorf("[spec %d] expected address 0x%x; got 0x%x", specIndex, expRegionStartAddr, uintptr(got))
			}
			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected %d Map calls; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}
			if exp := uint64(spec.expMapCallCount) << mm.PageShift; sysStat != exp {
				t.Errorf("[spec %d] expected stat counter %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("earlyReserveRegion fails", func(t *testing.T) {
		earlyReserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected 0x0 when EarlyReserveRegion fails; got 0x%x", uintptr(got))
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		earlyReserveRegionFn = func(uintptr) (uintptr, *kernel.Error) { return uintptr(10 * mm.PageSize), nil }
		frameAllocFn = func() (mm.Frame, *kernel.Error) {
			return mm.Frame(0), &kernel.Error{Module: "test", Message: "out of memory"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected 0x0 when AllocFrame fails; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		earlyReserveRegionFn = func(uintptr) (uintptr, *kernel.Error) { return uintptr(10 * mm.PageSize), nil }
		frameAllocFn = func() (mm.Frame, *kernel.Error) { return mm.Frame(0), nil }
		mapFn = func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected 0x0 when Map fails; got 0x%x", uintptr(got))
		}
	})
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different bytes across calls")
	}
}

func TestNanotime(t *testing.T) {
	if got := nanotime(); got == 0 {
		t.Fatal("expected a non-zero timestamp")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	want := []string{"malloc", "alg", "modules", "typelinks", "itabs"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected init order %v; got %v", want, calls)
	}
}
