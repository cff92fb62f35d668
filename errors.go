package evloop

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Kind is the coarse error taxonomy surfaced in callbacks (spec.md §7).
// WouldBlock and Interrupted have no member here: per spec.md, they
// are never attached to a Result the loop delivers to a callback —
// ops.go's attemptOutcome drives those as internal retry decisions
// instead.
type Kind int

const (
	KindUnknown Kind = iota
	KindCanceled
	KindConnectionRefused
	KindConnectionReset
	KindConnectionAborted
	KindTimedOut
	KindBrokenPipe
	KindNotConnected
	KindBadFileDescriptor
	KindInvalidArgument
	KindNoMemory
	KindTooManyOpenFiles
	KindNoBufferSpace
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindConnectionRefused:
		return "connection refused"
	case KindConnectionReset:
		return "connection reset"
	case KindConnectionAborted:
		return "connection aborted"
	case KindTimedOut:
		return "timed out"
	case KindBrokenPipe:
		return "broken pipe"
	case KindNotConnected:
		return "not connected"
	case KindBadFileDescriptor:
		return "bad file descriptor"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNoMemory:
		return "no memory"
	case KindTooManyOpenFiles:
		return "too many open files"
	case KindNoBufferSpace:
		return "no buffer space"
	case KindIO:
		return "i/o error"
	default:
		return "unknown"
	}
}

// OpError is the structured error delivered via Result.Err. Its shape
// is grounded on the go-ublk example's *Error type (Op/Code/Errno/
// Inner, with errors.Is/As support), adapted from block-device error
// categories (DevID/Queue) to this domain's fd-centric one (Fd).
type OpError struct {
	Op    string // "accept", "connect", "recv", ...
	Fd    int
	Kind  Kind
	Errno syscall.Errno // 0 if not errno-derived (e.g. Canceled)
	Inner error
}

func (e *OpError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("evloop: %s(fd=%d): %s: %v", e.Op, e.Fd, e.Kind, e.Errno)
	}
	return fmt.Sprintf("evloop: %s(fd=%d): %s", e.Op, e.Fd, e.Kind)
}

func (e *OpError) Unwrap() error {
	return e.Inner
}

func (e *OpError) Is(target error) bool {
	var oe *OpError
	if errors.As(target, &oe) {
		return e.Kind == oe.Kind
	}
	return false
}

// ErrMisuse is returned directly from a Submit* call (never via a
// Result) when the supplied Completion is already linked into a
// queue, the notifier's waiting set, or the timeout heap. The notifier
// also reports ErrMisuse when a second completion would wait on the
// same fd and direction; that case reaches the completion's callback
// as the Inner error of a KindIO *OpError.
var ErrMisuse = errors.New("evloop: completion already submitted")

// ErrLoopClosed is returned from Submit* calls made after Close has
// been called. A fatal notifier failure returned from Run/RunFor does
// not close the loop.
var ErrLoopClosed = errors.New("evloop: loop closed")

// ErrEmptyBuffer is returned by SubmitSend/SubmitWrite for a
// zero-length buffer, mirroring the teacher's ErrEmptyBuffer.
var ErrEmptyBuffer = errors.New("evloop: empty buffer")

// mapErrno converts a raw errno encountered during an op attempt into
// the coarse Kind taxonomy. EAGAIN/EWOULDBLOCK/EINTR must never reach
// this function; callers handle those as internal retry signals.
func mapErrno(op string, fd int, errno syscall.Errno) *OpError {
	return &OpError{Op: op, Fd: fd, Kind: kindForErrno(errno), Errno: errno, Inner: errno}
}

func kindForErrno(errno syscall.Errno) Kind {
	switch errno {
	case unix.ECONNREFUSED:
		return KindConnectionRefused
	case unix.ECONNRESET:
		return KindConnectionReset
	case unix.ECONNABORTED:
		return KindConnectionAborted
	case unix.ETIMEDOUT:
		return KindTimedOut
	case unix.EPIPE:
		return KindBrokenPipe
	case unix.ENOTCONN:
		return KindNotConnected
	case unix.EBADF:
		return KindBadFileDescriptor
	case unix.EINVAL:
		return KindInvalidArgument
	case unix.ENOMEM:
		return KindNoMemory
	case unix.EMFILE, unix.ENFILE:
		return KindTooManyOpenFiles
	case unix.ENOBUFS:
		return KindNoBufferSpace
	default:
		return KindIO
	}
}

// canceledError builds the OpError delivered to completions that were
// waiting on a fd closed via SubmitClose.
func canceledError(op string, fd int) *OpError {
	return &OpError{Op: op, Fd: fd, Kind: KindCanceled}
}
