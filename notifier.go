package evloop

// notifier is the thin wrapper over the platform readiness facility
// (component D): register one-shot interest for a completion, and
// block-poll for ready completions to re-queue.
//
// Implementations live in notifier_epoll.go (Linux) and
// notifier_kqueue.go (Darwin/BSD), both keyed by a map[int]*fdWait so
// every waiting *Completion stays reachable to Go's garbage collector
// without round-tripping an unsafe.Pointer through kernel event data.
type notifier interface {
	// registerInterest arms one-shot readiness interest for c on fd in
	// the given direction. At most one completion per (fd, direction)
	// may be registered at a time; registering a second is Misuse.
	registerInterest(fd int, dir direction, c *Completion) error

	// poll blocks for up to budgetNs nanoseconds (0 meaning
	// non-blocking) and returns every completion that became ready,
	// threaded through Completion.next.
	poll(budgetNs int64) (*Completion, error)

	// cancelFd drops any registration for fd and returns whatever
	// completions were waiting on it (threaded through
	// Completion.next), for the caller to fail with KindCanceled.
	cancelFd(fd int) *Completion

	// pending reports whether any fd currently has interest
	// registered, used to decide whether Run/RunFor may return once
	// the queues and timeout set are also empty.
	pending() bool

	close() error
}

// fdWait tracks the at-most-one-reader and at-most-one-writer
// completions pending on a single fd (spec.md invariant: "for any fd
// with interest registered in waiting, exactly one completion is
// awaiting that direction").
type fdWait struct {
	read, write *Completion
	// armed records whether this fd has ever been added to the kernel
	// interest set, so registerInterest can choose ADD vs MOD.
	armed bool
}

func (w *fdWait) empty() bool {
	return w.read == nil && w.write == nil
}

// appendReady threads c onto the tail of a ready-list being built up
// during poll(), given the current (head, tail) pointers.
func appendReady(head, tail **Completion, c *Completion) {
	c.next = nil
	if *tail == nil {
		*head = c
	} else {
		(*tail).next = c
	}
	*tail = c
}
