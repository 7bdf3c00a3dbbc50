// Package syscall dispatches the SVC-from-EL0 synchronous exception to
// the matching kernel/ipc operation. Grounded in
// original_source/proton/src/task/ipc.rs's init(), which registers a
// single software-interrupt handler that switches on the IPC opcode; this
// package plays the same role on top of kernel/trap's HandleSync
// registration API rather than a bespoke interrupt-vector hook.
package syscall

import (
	"unsafe"

	"microkernel/kernel"
	"microkernel/kernel/ipc"
	"microkernel/kernel/mm"
	"microkernel/kernel/mm/vmm"
	"microkernel/kernel/task"
	"microkernel/kernel/trap"
)

// Opcode identifies which IPC operation a SVC instruction is requesting,
// carried in the trap frame's x0 register.
type Opcode uint64

const (
	// OpLog is the debug logging syscall: x1/x2 hold a user-space
	// (pointer, length) pair naming the string to print.
	OpLog Opcode = 0

	// OpSend copies x2..x6 as the message payload and delivers it to the
	// task named by x1.
	OpSend Opcode = 1

	// OpReceive blocks until a message arrives from the task named by x1
	// (0 meaning any sender), then copies the payload back into x1..x5.
	OpReceive Opcode = 2

	// OpFork duplicates the calling task. Its allocator failures return an
	// error code to the caller in x0, which only makes sense if a task can
	// trigger it itself via syscall rather than only via a privileged path.
	OpFork Opcode = 3
)

// Return codes written to the frame's x0 slot: 0 is success, everything
// else is a negative (two's-complement) error code in the same style as
// the kernel.Error kinds the rest of the kernel returns.
const (
	retOK         = uint64(0)
	retInvalidArg = uint64(0xFFFFFFFFFFFFFFFF) // -1
	retNoSuchTask = uint64(0xFFFFFFFFFFFFFFFE) // -2
)

// maxLogLength bounds how much a single Log syscall will copy out of user
// memory.
const maxLogLength = 256

// currentFn/logFn/sendFn/receiveFn/forkFn/translatePageFn are mocked by
// tests so the opcode dispatch and argument validation below can be
// exercised without a real task table, trap frame or page table.
var (
	currentFn       = task.Current
	logFn           = ipc.Log
	sendFn          = ipc.Send
	receiveFn       = ipc.Receive
	forkFn          = task.Fork
	translatePageFn = vmm.Translate
)

// Init registers the syscall dispatcher for SVC exceptions taken from
// EL0.
func Init() *kernel.Error {
	trap.HandleSync(trap.ECSVC64, dispatch)
	return nil
}

// dispatch reads the opcode and arguments out of frame, performs the
// requested IPC operation, and writes the result back to frame's x0.
//
//go:nosplit
func dispatch(frame *trap.ExceptionFrame, _ uintptr) {
	self := currentFn()
	switch Opcode(frame.Arg(0)) {
	case OpLog:
		handleLog(self, frame)
	case OpSend:
		handleSend(self, frame)
	case OpReceive:
		handleReceive(self, frame)
	case OpFork:
		handleFork(frame)
	default:
		frame.SetReturn(retInvalidArg)
	}
}

func handleLog(self *task.Task, frame *trap.ExceptionFrame) {
	ptr := uintptr(frame.Arg(1))
	length := frame.Arg(2)

	s, ok := validateUserString(self.VMAs(), ptr, length)
	if !ok {
		frame.SetReturn(retInvalidArg)
		return
	}

	_ = logFn(self.ID, s)
	frame.SetReturn(retOK)
}

func handleSend(self *task.Task, frame *trap.ExceptionFrame) {
	target := task.TaskId(frame.Arg(1))

	var payload [ipc.PayloadWords]uint64
	for i := 0; i < ipc.PayloadWords; i++ {
		payload[i] = frame.Arg(2 + i)
	}

	if err := sendFn(self.ID, target, payload); err != nil {
		frame.SetReturn(retNoSuchTask)
		return
	}
	frame.SetReturn(retOK)
}

func handleReceive(self *task.Task, frame *trap.ExceptionFrame) {
	from := task.TaskId(frame.Arg(1))

	msg, err := receiveFn(self.ID, from)
	if err != nil {
		frame.SetReturn(retInvalidArg)
		return
	}

	frame.X[0] = uint64(msg.Sender)
	for i := 0; i < ipc.PayloadWords; i++ {
		frame.X[1+i] = msg.Payload[i]
	}
}

// handleFork duplicates the caller via task.Fork, which writes the
// correct x0 return value (0 in the child's own copy of frame, the new
// TaskId in the parent's) itself on success; only the failure path needs
// handling here.
func handleFork(frame *trap.ExceptionFrame) {
	if _, err := forkFn(frame); err != nil {
		frame.SetReturn(retNoSuchTask)
	}
}

// validateUserString bounds-checks a (ptr, length) argument pair against
// the caller's own VMA set, confirms every page it spans is actually
// mapped, and copies it into a kernel-owned string, satisfying the "all
// pointer arguments are validated to lie in the caller's user half" rule.
//
// A VMA covering the range is not by itself enough: a writable VMA may
// still have unmapped, not-yet-demand-filled pages, and the kernel has no
// demand-fill path of its own for a fault taken at EL1 - kernelDataAbort
// treats a same-level data abort as always fatal. Requiring every page to
// already be mapped turns an unmapped-page argument into an ordinary
// invalid-argument return instead of crashing the kernel.
func validateUserString(vmas vmm.VMASet, ptr uintptr, length uint64) (string, bool) {
	if length == 0 || length > maxLogLength {
		return "", false
	}

	end := ptr + uintptr(length)
	if _, ok := vmas.Find(ptr); !ok {
		return "", false
	}
	if _, ok := vmas.Find(end - 1); !ok {
		return "", false
	}

	firstPage := ptr &^ (mm.PageSize - 1)
	lastPage := (end - 1) &^ (mm.PageSize - 1)
	for page := firstPage; ; page += mm.PageSize {
		if _, err := translatePageFn(page); err != nil {
			return "", false
		}
		if page == lastPage {
			break
		}
	}

	buf := make([]byte, length)
	kernel.Memcopy(ptr, uintptr(unsafe.Pointer(&buf[0])), uintptr(length))
	return string(buf), true
}
