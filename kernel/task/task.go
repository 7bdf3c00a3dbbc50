// Package task implements the task table, cooperative/timer-preemptive
// scheduler, fork/exec and the AArch64 register-context switch this core
// builds process-like concurrency on top of. Grounded in
// original_source/src/task/context.rs (Context, KernelStack, fork) and
// original_source/kernel/src/task/exec.rs (the ELF-load-then-enter-EL0
// path), adapted to this module's registration-callback style of avoiding
// import cycles between kernel/mm/vmm and kernel/trap.
package task

import (
	"reflect"
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/cpu"
	"microkernel/kernel/hal"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
	"microkernel/kernel/sync"
	"microkernel/kernel/trap"
)

// TaskId uniquely identifies a task for its lifetime. 0 is never assigned
// to a real task; it is used as the "no target" / "any sender" wildcard by
// kernel/ipc.
type TaskId uint32

// TaskState is a task's scheduling state.
type TaskState uint8

const (
	// StateReady means the task is eligible to run and sits in the ready
	// queue.
	StateReady TaskState = iota

	// StateRunning is the single task currently switched in.
	StateRunning

	// StateBlockedSend means the task is parked inside a Send() call,
	// waiting for its target to Receive the message or to exit.
	StateBlockedSend

	// StateBlockedReceive means the task is parked inside a Receive()
	// call, waiting for a matching message to arrive.
	StateBlockedReceive

	// StateZombie means the task has exited. Exit sets it while the exit
	// hook runs and then removes the task from the table straight away.
	StateZombie
)

// Task is one schedulable unit of execution: a register context, a private
// kernel stack, and (outside the idle/kernel-thread-only case) a private
// address space.
type Task struct {
	ID    TaskId
	State TaskState

	ctx   Context
	stack KernelStack
	pdt   vmm.PageDirectoryTable
	vmas  vmm.VMASet

	// blockedOn is the peer TaskId a StateBlockedSend/StateBlockedReceive
	// task is waiting on; 0 means "any sender", used by Receive.
	blockedOn TaskId

	// entryFn is invoked once, the first time this task is scheduled, by
	// runTaskEntry. Both Spawn (kernel-thread tasks) and exec (the
	// initial ELF-loaded program) use it, with exec's closure performing
	// the actual drop to EL0 itself once it runs on the task's own
	// kernel stack.
	entryFn func()

	exitCode int
}

var (
	tasks      = map[TaskId]*Task{}
	readyQueue []TaskId
	current    *Task
	nextID     TaskId = 1
	nextSlot   int

	tableLock sync.Spinlock

	// onExitFn is registered by kernel/ipc so a blocked Send/Receive can
	// be failed over the moment its peer exits, without this package
	// importing ipc.
	onExitFn func(TaskId)

	// switchContextFn is mocked by tests so the scheduling bookkeeping in
	// reschedule can be exercised without performing a real AArch64
	// register/TTBR0 switch.
	switchContextFn = switchContext
)

// RegisterExitHook installs the function Exit calls with the exiting
// task's id, after the task has been marked a zombie but before its slot
// is reused. kernel/ipc uses this to fail over mailboxes blocked on the
// exiting task.
func RegisterExitHook(fn func(TaskId)) { onExitFn = fn }

// Init reserves the kernel-stack pool and registers this package as the
// vmm layer's VMA provider. It does not create any tasks; the caller
// (Kmain) is expected to Spawn or Fork the first task afterwards.
func Init() *kernel.Error {
	if err := initKernelStacks(); err != nil {
		return err
	}
	vmm.RegisterVMAProvider(currentVMAs)
	vmm.SetTaskKiller(Exit)
	trap.HandleIRQ(trap.IRQTimer, onTimerTick)
	return nil
}

// Current returns the task presently switched in, or nil before the first
// task has been scheduled.
func Current() *Task { return current }

// VMAs returns t's user-half VMA set, used by kernel/syscall to validate
// pointer arguments lie in the caller's own mapped ranges.
func (t *Task) VMAs() vmm.VMASet { return t.vmas }

// currentVMAs implements the vmm.RegisterVMAProvider contract: the active
// task's own VMA set, or nil before any task exists.
func currentVMAs() vmm.VMASet {
	if current == nil {
		return nil
	}
	return current.vmas
}

// newTaskLocked allocates a task-table slot and its kernel stack. Caller
// must hold tableLock.
func newTaskLocked() (*Task, *kernel.Error) {
	if len(tasks) >= maxTasks {
		return nil, errTooManyTasks
	}

	stack, err := newKernelStack(nextSlot)
	if err != nil {
		return nil, err
	}
	nextSlot++

	t := &Task{ID: nextID, State: StateReady, stack: stack, pdt: vmm.KernelPDT()}
	tasks[t.ID] = t
	nextID++
	return t, nil
}

var errTooManyTasks = &kernel.Error{Module: "task", Message: "task table is full"}

// Spawn creates a brand-new task with its own fresh (kernel-half-only)
// address space and no VMAs of its own; entry runs as Go code on the
// task's own kernel stack the first time it is scheduled. Used for kernel
// threads such as the reference init task; exec is the path that loads a
// user ELF binary.
func Spawn(entry func()) (TaskId, *kernel.Error) {
	tableLock.Acquire()
	defer tableLock.Release()

	t, err := newTaskLocked()
	if err != nil {
		return 0, err
	}
	t.entryFn = entry
	t.ctx = Context{SP: t.stack.Top(), PC: taskTrampolinePC}

	readyQueue = append(readyQueue, t.ID)
	return t.ID, nil
}

// Fork duplicates the calling task: a copy-on-write address space (via
// vmm.ForkAddressSpace), a freshly copied kernel stack (so the parent's
// in-flight trap frame and any kernel-mode locals survive unshared in the
// child), and a register context identical to the parent's except for the
// return value each observes from the fork syscall - 0 in the child,
// the new TaskId in the parent - exactly the convention
// original_source/src/task/context.rs's Context::fork documents.
func Fork(parentFrame *trap.ExceptionFrame) (TaskId, *kernel.Error) {
	tableLock.Acquire()
	parent := current
	child, err := newTaskLocked()
	tableLock.Release()
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(parent.stack.top-uintptr(kernelStackBytes), child.stack.top-uintptr(kernelStackBytes), kernelStackBytes)

	childFrame := (*trap.ExceptionFrame)(unsafe.Pointer(child.stack.top - uintptr(exceptionFrameSize)))
	*childFrame = *parentFrame
	childFrame.SetReturn(0)

	childStackBase := child.stack.top - uintptr(kernelStackPages)*mm.PageSize
	parentStackBase := parent.stack.top - uintptr(kernelStackPages)*mm.PageSize
	stackRemap := map[mm.Frame]mm.Frame{}
	for i := uintptr(0); i < uintptr(kernelStackPages); i++ {
		pf, terr := vmm.Translate(parentStackBase + i*mm.PageSize)
		if terr != nil {
			abandonForkedTask(child)
			return 0, terr
		}
		cf, terr := vmm.Translate(childStackBase + i*mm.PageSize)
		if terr != nil {
			abandonForkedTask(child)
			return 0, terr
		}
		stackRemap[mm.FrameFromAddress(pf)] = mm.FrameFromAddress(cf)
	}

	childPDT, err := vmm.ForkAddressSpace(stackRemap)
	if err != nil {
		abandonForkedTask(child)
		return 0, err
	}

	child.pdt = childPDT
	child.vmas = append(vmm.VMASet{}, parent.vmas...)
	child.entryFn = func() { trap.EnterUserMode(childFrame) }
	child.ctx = Context{SP: child.stack.Top(), PC: taskTrampolinePC}

	tableLock.Acquire()
	readyQueue = append(readyQueue, child.ID)
	tableLock.Release()

	parentFrame.SetReturn(uint64(child.ID))
	return child.ID, nil
}

// abandonForkedTask removes a task-table slot newTaskLocked reserved for a
// fork that failed before the child became schedulable, so the slot and its
// kernel stack don't stay leaked forever.
func abandonForkedTask(child *Task) {
	tableLock.Acquire()
	delete(tasks, child.ID)
	tableLock.Release()
}

// Exec parses an ELF binary and replaces the calling task's user-mode
// state with it: PT_LOAD segments are mapped into a fresh copy of the
// shared kernel address space, a user stack VMA is reserved, and the
// task's context is pointed at the entry PC. Supplements the distilled
// spec's bare exec mention with the concrete contract used by a task's
// first run, grounded in original_source/kernel/src/task/exec.rs's
// exec_user.
func Exec(t *Task, elfData []byte, userStackTop uintptr) *kernel.Error {
	// Forking the active tree (rather than bootstrapping an empty one)
	// carries over the shared kernel half without duplicating it; the
	// stack pages are remapped to themselves so forkTable's ordinary
	// data-page branch does not mark this task's own kernel stack
	// copy-on-write in what may well be the long-lived kernelPDT.
	stackBase := t.stack.top - uintptr(kernelStackPages)*mm.PageSize
	stackRemap := map[mm.Frame]mm.Frame{}
	for i := uintptr(0); i < uintptr(kernelStackPages); i++ {
		phys, terr := vmm.Translate(stackBase + i*mm.PageSize)
		if terr != nil {
			return terr
		}
		frame := mm.FrameFromAddress(phys)
		stackRemap[frame] = frame
	}

	pdt, err := vmm.ForkAddressSpace(stackRemap)
	if err != nil {
		return err
	}

	entryPC, err := hal.LoadELF(elfData, func(virtAddr uintptr, data []byte, writable, executable bool) *kernel.Error {
		flags := vmm.FlagPresent | vmm.FlagUserAccessible
		if writable {
			flags |= vmm.FlagRW
		}
		if !executable {
			flags |= vmm.FlagNoExecute
		}
		pageCount := (uintptr(len(data)) + mm.PageSize - 1) / mm.PageSize
		for i := uintptr(0); i < pageCount; i++ {
			frame, ferr := mm.AllocFrame()
			if ferr != nil {
				return ferr
			}
			page := mm.PageFromAddress(virtAddr + i*mm.PageSize)
			if ferr := pdt.Map(page, frame, flags); ferr != nil {
				return ferr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.pdt = pdt
	t.vmas = vmm.VMASet{
		{Start: 0, End: entryPC + mm.PageSize, Kind: vmm.VMACode, Writable: false},
		{Start: userStackTop - userStackSize, End: userStackTop, Kind: vmm.VMAStack, Writable: true},
	}

	frameAddr := t.stack.frameReservation(exceptionFrameSize)
	frame := (*trap.ExceptionFrame)(unsafe.Pointer(frameAddr))
	*frame = trap.ExceptionFrame{}
	frame.ELREL1 = uint64(entryPC)
	frame.SPEL0 = uint64(userStackTop)
	frame.SPSREL1 = spsrEL0t

	t.entryFn = func() { trap.EnterUserMode(frame) }
	t.ctx = Context{SP: t.stack.Top(), PC: taskTrampolinePC}
	return nil
}

const (
	// userStackSize is the size of the single-VMA user stack exec
	// reserves for a freshly loaded binary.
	userStackSize = 4 * mm.PageSize

	// spsrEL0t selects EL0 with the SP_EL0 stack pointer and leaves every
	// DAIF mask bit clear, i.e. a freshly exec'd task starts with
	// interrupts unmasked.
	spsrEL0t = 0
)

var (
	exceptionFrameSize = unsafe.Sizeof(trap.ExceptionFrame{})
	kernelStackBytes   = uintptr(kernelStackPages) * mm.PageSize

	taskTrampolinePC uintptr
)

func init() {
	taskTrampolinePC = reflect.ValueOf(taskTrampoline).Pointer()
}

// runTaskEntry is called by the taskTrampoline assembly stub the first
// time a freshly Spawned, exec'd or forked task is scheduled: every such
// task's entryFn closure captures exactly what that first run needs to
// do, so the trampoline itself stays entirely task-agnostic.
//
//go:nosplit
func runTaskEntry() {
	t := current
	if t != nil && t.entryFn != nil {
		fn := t.entryFn
		t.entryFn = nil
		fn()
	}
	Exit(0)
}

// taskTrampoline is implemented in context_arm64.s; it calls runTaskEntry
// on the task's own kernel stack.
func taskTrampoline()

// Idle is Kmain's final call: it is not a Task and never gets a Context
// or address space of its own. It simply unmasks interrupts and waits for
// the timer tick to hand off to the first real task placed in the ready
// queue by an earlier Spawn/Fork/Exec call.
func Idle() {
	cpu.EnableInterrupts()
	for {
		cpu.WFI()
		tableLock.Acquire()
		empty := len(readyQueue) == 0
		tableLock.Release()
		if !empty {
			reschedule(StateReady)
		}
	}
}

// Yield cooperatively relinquishes the CPU to the next ready task,
// re-enqueuing the caller at the back of the ready queue.
func Yield() {
	reschedule(StateReady)
}

// onTimerTick is registered with trap.HandleIRQ for the timer line. It
// preempts the running task back into the ready queue exactly as Yield
// does; the scheduling policy (plain round robin) does not distinguish a
// timer-driven switch from a voluntary one once a task is back in the
// queue.
func onTimerTick(frame *trap.ExceptionFrame) {
	reschedule(StateReady)
}

// Exit terminates the calling task, reports its exit to any registered
// hook (kernel/ipc, to fail over blocked mailboxes), frees its address
// space reference, and switches away for good; it never returns.
func Exit(code int) {
	tableLock.Acquire()
	t := current
	t.exitCode = code
	t.State = StateZombie
	tableLock.Release()

	if onExitFn != nil {
		onExitFn(t.ID)
	}

	tableLock.Acquire()
	delete(tasks, t.ID)
	tableLock.Release()

	reschedule(StateZombie)
}

// Block parks the calling task in the given blocked state, waiting on
// peer (0 meaning any), and switches to the next ready task. Used by
// kernel/ipc's Send/Receive.
func Block(state TaskState, peer TaskId) {
	tableLock.Acquire()
	current.blockedOn = peer
	tableLock.Release()
	reschedule(state)
}

// Exists reports whether id still has a live task-table entry.
func Exists(id TaskId) bool {
	tableLock.Acquire()
	defer tableLock.Release()
	_, ok := tasks[id]
	return ok
}

// IsWaitingToReceiveFrom reports whether id is currently blocked in
// Receive with a filter that matches sender (sender itself, or the
// "any sender" wildcard 0). Used by kernel/ipc's Send to decide whether
// to wake the target after enqueuing the message.
func IsWaitingToReceiveFrom(id TaskId, sender TaskId) bool {
	tableLock.Acquire()
	defer tableLock.Release()
	t, ok := tasks[id]
	if !ok || t.State != StateBlockedReceive {
		return false
	}
	return t.blockedOn == 0 || t.blockedOn == sender
}

// Wake moves a blocked task back onto the ready queue. Used by kernel/ipc
// once a Send/Receive it was waiting on can proceed.
func Wake(id TaskId) {
	tableLock.Acquire()
	defer tableLock.Release()
	t, ok := tasks[id]
	if !ok || t.State == StateZombie {
		return
	}
	t.State = StateReady
	readyQueue = append(readyQueue, id)
}

// reschedule parks the current task in prevState (re-enqueuing it if that
// state is StateReady) and switches to the next ready task, idling on WFI
// if none is ready.
func reschedule(prevState TaskState) {
	tableLock.Acquire()
	from := current
	if from != nil {
		from.State = prevState
		if prevState == StateReady {
			readyQueue = append(readyQueue, from.ID)
		}
	}

	var to *Task
	for to == nil && len(readyQueue) > 0 {
		id := readyQueue[0]
		readyQueue = readyQueue[1:]
		if candidate, ok := tasks[id]; ok && candidate.State == StateReady {
			to = candidate
		}
	}
	current = nil
	tableLock.Release()

	if to == nil {
		cpu.EnableInterrupts()
		for {
			cpu.WFI()
			tableLock.Acquire()
			empty := len(readyQueue) == 0
			tableLock.Release()
			if !empty {
				// current is nil at this point, so the state passed here
				// is never applied to anything; reschedule just needs to
				// be re-entered to pick up the task that woke us.
				reschedule(StateReady)
				return
			}
		}
	}

	tableLock.Acquire()
	to.State = StateRunning
	current = to
	tableLock.Release()

	var fromCtx *Context
	if from != nil {
		fromCtx = &from.ctx
	} else {
		var discard Context
		fromCtx = &discard
	}

	switchContextFn(fromCtx, &to.ctx, to.pdt.PhysAddr())
}
