package evloop

import "golang.org/x/sys/unix"

// Sockaddr re-exports the platform socket address type used by
// SubmitConnect, so callers never need to import golang.org/x/sys/unix
// themselves just to build one.
type Sockaddr = unix.Sockaddr

// OpKind tags the kind of operation a Completion represents.
type OpKind uint8

const (
	OpAccept OpKind = iota
	OpConnect
	OpRecv
	OpSend
	OpRead
	OpWrite
	OpClose
	OpTimeout
)

func (op OpKind) String() string {
	switch op {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	case OpTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// direction is the readiness direction a waiting Completion is
// registered for with the kernel notifier.
type direction uint8

const (
	dirNone direction = iota
	dirReadable
	dirWritable
)

// completionState tracks which of the loop's queues currently owns a
// Completion; it doubles as the "link field" tombstone spec.md's
// design notes call for (see DESIGN.md, component B/C).
type completionState uint8

const (
	stateIdle completionState = iota // unsubmitted, or returned to caller
	stateUnqueued
	stateWaiting
	stateCompleted
)

// Result is delivered to a Completion's callback exactly once.
type Result struct {
	// N is the byte count for recv/send/read/write.
	N int
	// Fd is the newly accepted socket for OpAccept.
	Fd int
	// Err is nil on success. Non-nil errors are always *OpError,
	// except ErrMisuse/ErrLoopClosed-style submission failures,
	// which are never delivered via Result — they are returned
	// directly from the Submit* call instead.
	Err error
}

// Callback is invoked by the loop with the caller-supplied context,
// the Completion it was submitted on (now idle and safe to reuse or
// resubmit), and the Result. The loop never invokes a Callback more
// than once per submission, and always on the thread that called
// Run/RunFor.
type Callback func(ctx any, c *Completion, res Result)

// Completion is the single externally allocated unit of work. The
// caller owns its memory for its entire lifetime; the loop only
// borrows it between submission and the moment its callback returns.
// A Completion must not be mutated, freed, or resubmitted while
// borrowed (state != stateIdle).
//
// Callers typically embed a Completion as a zero value (stack or
// heap, at the caller's discretion) and pass its address to one of
// Loop's SubmitXxx methods.
type Completion struct {
	op  OpKind
	fd  int
	buf []byte
	off int64
	// addr is the destination for OpConnect.
	addr unix.Sockaddr
	// connectInProgress distinguishes the first connect(2) attempt
	// (which may return EINPROGRESS) from the follow-up SO_ERROR check
	// once the fd becomes writable.
	connectInProgress bool
	// deadline is the absolute monotonic-ns deadline for OpTimeout.
	deadline uint64

	ctx any
	cb  Callback

	next  *Completion // intrusive FIFO / timeout-drain link
	state completionState
	dir   direction

	// heapIdx is this completion's index in the timeout heap, or -1
	// when it is not currently a heap member.
	heapIdx int

	result Result
}

// linked reports whether c is currently owned by a queue, the
// notifier's waiting set, or the timeout heap — i.e. whether
// submitting it again right now would be Misuse.
func (c *Completion) linked() bool {
	return c.state != stateIdle
}
