package kernel

import (
	"microkernel/kernel/cpu"
	"microkernel/kernel/goruntime"
	"microkernel/kernel/hal"
	"microkernel/kernel/ipc"
	"microkernel/kernel/kfmt/early"
	"microkernel/kernel/mm/pmm"
	"microkernel/kernel/mm/vmm"
	"microkernel/kernel/syscall"
	"microkernel/kernel/task"
	"microkernel/kernel/trap"
)

// BootInfo describes the minimal set of facts the out-of-scope early boot
// stage must hand to Kmain: the physical range the kernel image occupies
// and the list of usable physical memory regions it discovered. Everything
// about how those facts were obtained (device tree parsing, EL2->EL1 drop,
// identity mapping) is deliberately outside this module.
type BootInfo struct {
	KernelStart, KernelEnd uintptr
	KernelPageOffset       uintptr
	Regions                []pmm.MemRegion
}

// Kmain is the only Go symbol visible to the rt0 assembly stub. It wires up
// every core subsystem in dependency order and never returns.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	// bootInfoPtr is produced by the out-of-scope boot stage; a zero value
	// means "running under the unit-test harness", in which case the
	// subsystems below are initialized by their own tests instead.
	if bootInfoPtr == 0 {
		for {
		}
	}

	info := (*BootInfo)(ptrFromUintptr(bootInfoPtr))

	early.Printf("starting microkernel\n")

	if err := pmm.Init(info.KernelStart, info.KernelEnd, info.Regions); err != nil {
		panic(err)
	}

	if err := vmm.Init(info.KernelPageOffset, info.KernelStart, info.KernelEnd); err != nil {
		panic(err)
	}

	if err := goruntime.Init(); err != nil {
		panic(err)
	}

	trap.Init()
	hal.DetectHardware()

	if err := task.Init(); err != nil {
		panic(err)
	}
	if err := ipc.Init(); err != nil {
		panic(err)
	}
	if err := syscall.Init(); err != nil {
		panic(err)
	}

	// Seed the ready queue: Idle below has nothing to schedule otherwise.
	// There is no ELF binary available this early to exec - embedding one
	// is an out-of-scope boot-loader concern - so the reference init task
	// runs as a Spawned kernel thread rather than a user-mode program.
	if _, err := task.Spawn(initTask); err != nil {
		panic(err)
	}

	task.Idle()
}

// initTask is the reference init task: it does nothing but wait for the
// next interrupt, giving the timer tick something to preempt and the
// scheduler a task to keep returning to once boot reaches steady state.
func initTask() {
	for {
		cpu.WFI()
	}
}
