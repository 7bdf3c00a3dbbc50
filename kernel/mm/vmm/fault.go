package vmm

import (
	"microkernel/kernel"
	"microkernel/kernel/kfmt"
	"microkernel/kernel/mm"
	"microkernel/kernel/trap"
)

// releaseCOWFrameFn is registered by pmm.Init via SetCOWFrameReleaser once
// the bitmap allocator and its COW refcount table are up. vmm cannot import
// pmm directly: pmm already imports vmm for EarlyReserveRegion/Map.
var releaseCOWFrameFn func(mm.Frame)

// SetCOWFrameReleaser installs the function called to drop a reference on
// a COW-shared frame once the fault handler has given the faulting address
// space its own private copy.
func SetCOWFrameReleaser(fn func(mm.Frame)) { releaseCOWFrameFn = fn }

// killCurrentTaskFn is registered by task.Init via SetTaskKiller, mirroring
// releaseCOWFrameFn: vmm cannot import task (task already imports vmm for
// ForkAddressSpace and the VMA/COW hooks), so an illegal EL0 access calls
// back into the scheduler through this hook instead.
var killCurrentTaskFn func(exitCode int)

// SetTaskKiller installs the function the fault handler calls to terminate
// the currently running task in place of halting the kernel, for faults
// that are illegal only for the faulting task and not a kernel bug.
func SetTaskKiller(fn func(exitCode int)) { killCurrentTaskFn = fn }

// exitCodeSegFault is the exit code recorded for a task killed by an
// illegal memory access.
const exitCodeSegFault = -1

// installFaultHandlers registers this package's data/instruction abort
// handlers with the trap dispatcher. Called once from Init.
func installFaultHandlers() {
	trap.HandleSync(trap.ECDataAbortLowerEL, userDataAbort)
	trap.HandleSync(trap.ECInstrAbortLowerEL, userInstrAbort)
	trap.HandleSync(trap.ECDataAbortSameEL, kernelDataAbort)
}

// userDataAbort handles a data abort taken from EL0. Resolution follows a
// fixed decision order: a fault on a kernel-half address from user mode is
// always fatal; a write fault on a COW page is resolved by unsharing the
// frame; anything else falls back to the owning task's VMA list for
// demand-fill, and finally to a fatal fault if nothing claims the address.
func userDataAbort(frame *trap.ExceptionFrame, faultAddr uintptr) {
	if isKernelHalf(faultAddr) {
		killFault(faultAddr, frame)
		return
	}

	if resolveCOWFault(faultAddr, frame) {
		return
	}

	if resolveDemandFill(faultAddr, frame) {
		return
	}

	killFault(faultAddr, frame)
}

// userInstrAbort handles an instruction abort from EL0. Instruction faults
// only ever need demand-filling (code pages are never COW-shared by this
// kernel's fork implementation); anything else is illegal for the faulting
// task.
func userInstrAbort(frame *trap.ExceptionFrame, faultAddr uintptr) {
	if isKernelHalf(faultAddr) || !resolveDemandFill(faultAddr, frame) {
		killFault(faultAddr, frame)
	}
}

// kernelDataAbort handles a data abort taken without a change in exception
// level. The kernel has no demand-paged regions of its own, so this is
// always fatal.
func kernelDataAbort(frame *trap.ExceptionFrame, faultAddr uintptr) {
	fatalFault(faultAddr, frame, errUnrecoverableFault)
}

// isKernelHalf reports whether addr lies in the kernel's half of the
// address space; a user-mode access there is always a fatal fault
// regardless of any VMA or COW state.
func isKernelHalf(addr uintptr) bool {
	return addr >= kernelPageOffsetForFaults
}

// resolveCOWFault resolves addr if it names a page marked read-only plus
// FlagCopyOnWrite and the fault was a write. It allocates a fresh frame,
// copies the shared page's contents into it, repoints the mapping at the
// copy and releases the old frame's COW reference.
func resolveCOWFault(addr uintptr, frame *trap.ExceptionFrame) bool {
	if !trap.IsWriteFault(frame.ESREL1) {
		return false
	}

	faultPage := mm.PageFromAddress(addr)
	pageEntry, err := pteForAddress(faultPage.Address())
	if err != nil || pageEntry == nil {
		return false
	}

	if pageEntry.HasFlags(FlagRW) || !pageEntry.HasFlags(FlagCopyOnWrite) {
		return false
	}

	oldFrame := pageEntry.Frame()

	newFrame, allocErr := mm.AllocFrame()
	if allocErr != nil {
		fatalFault(addr, frame, allocErr)
		return true
	}

	tmpPage, mapErr := mapTemporaryFn(newFrame)
	if mapErr != nil {
		fatalFault(addr, frame, mapErr)
		return true
	}

	kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	newFlags := (pageEntry.Flags() &^ FlagCopyOnWrite) | FlagPresent | FlagRW
	if remapErr := remapFn(faultPage, newFrame, newFlags); remapErr != nil {
		fatalFault(addr, frame, remapErr)
		return true
	}

	if releaseCOWFrameFn != nil {
		releaseCOWFrameFn(oldFrame)
	}

	return true
}

// resolveDemandFill resolves addr if it falls within a VMA the currently
// running task registered, by mapping in a fresh zeroed frame.
func resolveDemandFill(addr uintptr, frame *trap.ExceptionFrame) bool {
	vma, ok := currentVMAs().Find(addr)
	if !ok {
		return false
	}

	newFrame, err := mm.AllocFrame()
	if err != nil {
		fatalFault(addr, frame, err)
		return true
	}

	flags := FlagPresent | FlagNoExecute
	if vma.Writable {
		flags |= FlagRW
	}

	faultPage := mm.PageFromAddress(addr)
	if err := mapFn(faultPage, newFrame, flags); err != nil {
		fatalFault(addr, frame, err)
		return true
	}

	tmpPage, err := mapTemporaryFn(newFrame)
	if err == nil {
		kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
		_ = unmapFn(tmpPage)
	}

	return true
}

// killFault reports and terminates the task that made an illegal EL0
// memory access - a kernel-half address, or a user fault no VMA or COW
// mapping claims - instead of halting the kernel. The kernel itself is
// never at fault here, so it stays up and the scheduler moves on to the
// next ready task. Falls back to fatalFault if no task killer has been
// registered yet (e.g. a fault taken before task.Init runs).
func killFault(faultAddr uintptr, frame *trap.ExceptionFrame) {
	if killCurrentTaskFn == nil {
		fatalFault(faultAddr, frame, errUnrecoverableFault)
		return
	}

	kfmt.Printf("\nSegmentation fault while accessing address: 0x%16x\n", faultAddr)
	frame.Print()
	killCurrentTaskFn(exitCodeSegFault)
}

// fatalFault reports and panics on a fault nothing could resolve; reserved
// for kernel bugs and resource exhaustion, never for an illegal access a
// task alone is responsible for.
func fatalFault(faultAddr uintptr, frame *trap.ExceptionFrame, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\n", faultAddr)
	frame.Print()
	panic(err)
}
