package evloop

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// attemptOutcome is the result of trying a completion's syscall once,
// per the state machine in spec.md §4.G.
type attemptOutcome int

const (
	outcomeDone attemptOutcome = iota
	outcomeWouldBlock
	outcomeEINTR
)

// attempt executes c's syscall once, grounded on the teacher's
// tryRead/tryWrite EINTR-retry/EAGAIN-wouldblock shape in watcher.go,
// generalized to all six I/O op kinds. OpClose and OpTimeout are
// handled directly by the loop (OpClose needs notifier access to
// cancel waiters; OpTimeout never reaches attempt at all — see
// SPEC_FULL.md §4.C).
func attempt(c *Completion) attemptOutcome {
	switch c.op {
	case OpAccept:
		return attemptAccept(c)
	case OpConnect:
		return attemptConnect(c)
	case OpRecv:
		return attemptRecv(c)
	case OpSend:
		return attemptSend(c)
	case OpRead:
		return attemptRead(c)
	case OpWrite:
		return attemptWrite(c)
	default:
		panic("evloop: attempt called on non-I/O op " + c.op.String())
	}
}

func directionFor(op OpKind) direction {
	switch op {
	case OpAccept, OpRecv, OpRead:
		return dirReadable
	case OpConnect, OpSend, OpWrite:
		return dirWritable
	default:
		return dirNone
	}
}

func attemptAccept(c *Completion) attemptOutcome {
	for {
		nfd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			c.result = Result{Fd: nfd}
			return outcomeDone
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("accept", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}
}

func attemptConnect(c *Completion) attemptOutcome {
	if !c.connectInProgress {
		err := unix.Connect(c.fd, c.addr)
		if err == nil {
			c.result = Result{}
			return outcomeDone
		}
		switch err {
		case unix.EINTR, unix.EINPROGRESS:
			// A signal-interrupted non-blocking connect has already
			// begun the handshake in the kernel, same as EINPROGRESS: a
			// second connect(2) would observe EALREADY/EISCONN rather
			// than restart cleanly. Wait for writable and resolve via
			// SO_ERROR, same as the EINPROGRESS path.
			c.connectInProgress = true
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("connect", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}

	// Writable readiness fired; the real outcome lives in SO_ERROR.
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.result = Result{Err: mapErrno("connect", c.fd, errnoOf(err))}
		return outcomeDone
	}
	if errno != 0 {
		c.result = Result{Err: mapErrno("connect", c.fd, syscall.Errno(errno))}
		return outcomeDone
	}
	c.result = Result{}
	return outcomeDone
}

func attemptRecv(c *Completion) attemptOutcome {
	for {
		n, err := unix.Read(c.fd, c.buf)
		if err == nil {
			// 0 bytes means peer closed; surfaced as a plain success=0,
			// per spec.md's recv row.
			c.result = Result{N: n}
			return outcomeDone
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("recv", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}
}

func attemptSend(c *Completion) attemptOutcome {
	for {
		n, err := unix.Write(c.fd, c.buf)
		if err == nil {
			// Short writes are reported as-is; the caller resubmits
			// the remainder (spec.md S4).
			c.result = Result{N: n}
			return outcomeDone
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("send", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}
}

func attemptRead(c *Completion) attemptOutcome {
	for {
		n, err := unix.Pread(c.fd, c.buf, c.off)
		if err == nil {
			c.result = Result{N: n}
			return outcomeDone
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("read", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}
}

func attemptWrite(c *Completion) attemptOutcome {
	for {
		n, err := unix.Pwrite(c.fd, c.buf, c.off)
		if err == nil {
			c.result = Result{N: n}
			return outcomeDone
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return outcomeWouldBlock
		default:
			c.result = Result{Err: mapErrno("write", c.fd, errnoOf(err))}
			return outcomeDone
		}
	}
}

// errnoOf extracts the syscall.Errno underlying a unix package error,
// falling back to EIO for anything unexpected (should not happen for
// the unix.* syscalls this file calls, which always return a bare
// Errno or nil).
func errnoOf(err error) syscall.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EIO
}
