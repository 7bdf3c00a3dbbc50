// Package ipc implements the synchronous, rendezvous-style message passing
// this core offers tasks: Send, Receive and the Log debug helper, each
// invoked through kernel/syscall. Grounded in
// original_source/proton/src/task/ipc.rs's IPC enum (Log/Send/Receive) and
// the mailbox-per-receiver delivery rule original_source describes, adapted to
// this module's registration-callback idiom so that ipc can depend on
// kernel/task without task depending back on ipc.
package ipc

import (
	"microkernel/kernel"
	"microkernel/kernel/kfmt"
	"microkernel/kernel/sync"
	"microkernel/kernel/task"
)

// PayloadWords is the fixed message payload size. A Send syscall copies
// its payload from the trap frame's x2..x6 (x1 names the target), and a
// Receive syscall returns it in x1..x5.
const PayloadWords = 5

// Message is the fixed-size rendezvous payload copied into kernel memory
// by Send and back out to the receiver's registers by Receive.
type Message struct {
	Sender  task.TaskId
	Payload [PayloadWords]uint64
}

// mailbox is one receiver's FIFO inbox, holding messages from every
// sender together; Receive linearly scans it for the first entry matching
// its filter, preserving arrival order within any given (sender,
// receiver) pair as required by the FIFO-per-pair ordering rule.
type mailbox struct {
	queue []Message
}

var (
	mailboxes = map[task.TaskId]*mailbox{}

	// pendingSenders mirrors each mailbox's sender order so onTaskExit can
	// fail over every sender still waiting on a target that just exited,
	// without it having to scan message payloads.
	pendingSenders = map[task.TaskId][]task.TaskId{}

	// delivered records, for a sender currently parked in Block, whether
	// its message was actually picked up (true) or the target exited
	// first (false); Send consults it the instant it wakes back up.
	delivered = map[task.TaskId]bool{}

	lock sync.Spinlock

	// ErrNoSuchTask is returned by Send for a target that does not exist,
	// and by a Send whose target exited before Receive-ing the message.
	ErrNoSuchTask = &kernel.Error{Module: "ipc", Message: "target task does not exist"}

	// existsFn/isWaitingToReceiveFromFn/wakeFn/blockFn are mocked by tests
	// so the mailbox/delivery-failure bookkeeping above can be exercised
	// without driving a real task scheduler.
	existsFn                 = task.Exists
	isWaitingToReceiveFromFn = task.IsWaitingToReceiveFrom
	wakeFn                   = task.Wake
	blockFn                  = task.Block
)

// Init registers ipc's task-exit hook with kernel/task, so that a task
// blocked sending to a peer is failed over the moment that peer exits
// instead of hanging forever.
func Init() *kernel.Error {
	task.RegisterExitHook(onTaskExit)
	return nil
}

func inboxFor(id task.TaskId) *mailbox {
	mb, ok := mailboxes[id]
	if !ok {
		mb = &mailbox{}
		mailboxes[id] = mb
	}
	return mb
}

// Send delivers payload to target on sender's behalf. The message is
// always enqueued in target's mailbox; if target is already blocked
// receiving from sender (or from Any), target is woken. In both cases the
// caller then blocks as SendingTo(target) until a matching Receive takes
// the message, or target exits first, in which case Send returns
// ErrNoSuchTask. Send does not return before the message is taken, even
// when target was already waiting for it.
func Send(sender task.TaskId, target task.TaskId, payload [PayloadWords]uint64) *kernel.Error {
	lock.Acquire()
	if !existsFn(target) {
		lock.Release()
		return ErrNoSuchTask
	}

	msg := Message{Sender: sender, Payload: payload}
	inboxFor(target).queue = append(inboxFor(target).queue, msg)
	pendingSenders[target] = append(pendingSenders[target], sender)
	receiverWaiting := isWaitingToReceiveFromFn(target, sender)
	lock.Release()

	if receiverWaiting {
		wakeFn(target)
	}

	blockFn(task.StateBlockedSend, target)

	lock.Acquire()
	ok := delivered[sender]
	delete(delivered, sender)
	lock.Release()

	if !ok {
		return ErrNoSuchTask
	}
	return nil
}

// Receive scans the caller's mailbox for the first message whose sender
// matches from (task.TaskId(0) meaning any sender), returning it if
// found. If none match, the caller blocks as ReceivingFrom(from) until a
// matching Send arrives and wakes it.
func Receive(receiver task.TaskId, from task.TaskId) (Message, *kernel.Error) {
	for {
		lock.Acquire()
		mb := inboxFor(receiver)
		for i, msg := range mb.queue {
			if from != 0 && msg.Sender != from {
				continue
			}
			mb.queue = append(mb.queue[:i:i], mb.queue[i+1:]...)
			removeSenderLocked(receiver, msg.Sender)
			delivered[msg.Sender] = true
			lock.Release()

			wakeFn(msg.Sender)
			return msg, nil
		}
		lock.Release()

		blockFn(task.StateBlockedReceive, from)
		// Woken by a Send that found us waiting (see receiverWaiting
		// above) or by a later, unrelated wake; either way the loop
		// re-scans the mailbox rather than assuming the first wake was
		// the matching one.
	}
}

// removeSenderLocked drops sender's first pending entry for receiver;
// caller must hold lock.
func removeSenderLocked(receiver, sender task.TaskId) {
	senders := pendingSenders[receiver]
	for i, id := range senders {
		if id == sender {
			pendingSenders[receiver] = append(senders[:i:i], senders[i+1:]...)
			return
		}
	}
}

// Log writes msg through the kernel's early console, used by the debug
// Log syscall.
func Log(sender task.TaskId, msg string) *kernel.Error {
	kfmt.Printf("[task %d] %s\n", sender, msg)
	return nil
}

// onTaskExit is registered with task.RegisterExitHook. Every sender still
// parked SendingTo the exited task is failed over with ErrNoSuchTask
// instead of waiting for a Receive that will never come, and the exited
// task's own inbox (messages nobody will ever pick up) is discarded.
func onTaskExit(exited task.TaskId) {
	lock.Acquire()
	senders := pendingSenders[exited]
	delete(pendingSenders, exited)
	delete(mailboxes, exited)
	for _, sender := range senders {
		delivered[sender] = false
	}
	lock.Release()

	for _, sender := range senders {
		wakeFn(sender)
	}
}
