package task

import (
	"microkernel/kernel"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
)

const (
	// kernelStackPages is the number of 4KiB pages backing one task's EL1
	// stack.
	kernelStackPages = 4

	// maxTasks bounds the kernel-stack pool reserved at Init; it is also
	// the hard ceiling on live tasks, matching the fixed-size task table.
	maxTasks = 64
)

// kernelStackRegionBase is the start of the virtual region Init reserves
// for every task's kernel stack. Kernel mappings are shared across every
// address space, so a stack allocated here stays reachable regardless of
// which task's PDT is active in TTBR0.
var kernelStackRegionBase uintptr

// initKernelStacks reserves the virtual region backing every task's kernel
// stack slot. One unmapped guard page follows each stack so a kernel-stack
// overflow takes an immediate, fatal page fault instead of silently
// corrupting the next task's stack - the same protection
// original_source/src/task/context.rs's KernelStack gives its guard page,
// implemented here as a gap in the mapping instead of a dedicated flag.
func initKernelStacks() *kernel.Error {
	regionSize := uintptr(maxTasks) * uintptr(kernelStackPages+1) * mm.PageSize
	base, err := reserveRegionFn(regionSize)
	if err != nil {
		return err
	}
	kernelStackRegionBase = base
	return nil
}

// KernelStack is a single task's EL1 stack.
type KernelStack struct {
	top uintptr
}

// newKernelStack allocates and maps the pages backing slot's kernel stack.
func newKernelStack(slot int) (KernelStack, *kernel.Error) {
	slotBase := kernelStackRegionBase + uintptr(slot)*uintptr(kernelStackPages+1)*mm.PageSize

	for i := 0; i < kernelStackPages; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return KernelStack{}, err
		}

		page := mm.PageFromAddress(slotBase + uintptr(i)*mm.PageSize)
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return KernelStack{}, err
		}
	}

	return KernelStack{top: slotBase + uintptr(kernelStackPages)*mm.PageSize}, nil
}

// Top returns the initial stack pointer for a brand-new stack; AArch64 SP
// grows down, so this is one past the stack's last mapped byte.
func (s KernelStack) Top() uintptr { return s.top }

// frameReservation carves frameBytes off the top of the stack and returns
// the resulting (16-byte aligned) address, for placing an ExceptionFrame a
// task's first eret into EL0 will resume from.
func (s KernelStack) frameReservation(frameBytes uintptr) uintptr {
	return (s.top - frameBytes) &^ 15
}

// mapFn/reserveRegionFn are mocked by tests.
var (
	mapFn           = vmm.Map
	reserveRegionFn = vmm.EarlyReserveRegion
)
