// Package evloop implements a single-threaded, callback-oriented
// asynchronous I/O event loop over kqueue (Darwin/BSD) or epoll
// (Linux). Callers submit non-blocking fd operations — accept,
// connect, recv, send, read, write, close, and pure timeout — through
// an externally allocated Completion, and receive results via a
// caller-supplied callback invoked on the thread that drives the
// loop.
//
// One Loop is pinned to one goroutine for its entire lifetime: there
// is no internal synchronization, and submissions must only be made
// from that goroutine (equivalently, from within a callback the loop
// itself dispatched). Servers that want to fan work across threads
// run one Loop per thread, each owning its own listening socket, and
// use SO_REUSEPORT (a caller concern: neither Options nor Listen
// sets it) to balance
// incoming connections across them.
package evloop

import (
	"time"
)

// Flags reserved for future Init options; currently unused.
type Flags uint32

// Loop orchestrates the submit -> syscall -> timeouts -> dispatch ->
// notifier-poll cycle (see iterate for one pass). It owns the kernel
// notifier handle and the three completion queues; it never closes
// caller-owned file descriptors on its own (SubmitClose is the only
// path that does, because the caller asked for it).
type Loop struct {
	notifier notifier
	clock    clock

	unqueued  fifo
	completed fifo
	timeouts  timeoutSet

	nowCached uint64
	stopped   bool
	closed    bool
}

// Init constructs a Loop. entriesHint only sets the initial capacity
// of the timeout heap (the queues are intrusive and need no
// pre-sizing); the loop works with any number of active completions.
func Init(entriesHint uint32, flags Flags) (*Loop, error) {
	n, err := openNotifier()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		notifier: n,
		clock:    newClock(),
	}
	l.timeouts.h = make(timeoutHeap, 0, entriesHint)
	return l, nil
}

// Close releases the loop's kernel notifier handle. It does not touch
// caller-owned file descriptors or in-flight completions; callers
// must drain the loop (e.g. by closing the fds they submitted ops on)
// before calling Close if they need every callback to fire.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.notifier.close()
}

// Stop asks RunFor to return after completing its current iteration.
// Run is unaffected, since it already performs exactly one iteration.
func (l *Loop) Stop() {
	l.stopped = true
}

// ---- submission surface -------------------------------------------------

func (l *Loop) submit(c *Completion, op OpKind, fd int, ctx any, cb Callback) error {
	if l.closed {
		return ErrLoopClosed
	}
	if c.linked() {
		return ErrMisuse
	}
	*c = Completion{op: op, fd: fd, ctx: ctx, cb: cb, heapIdx: -1}
	c.state = stateUnqueued
	l.unqueued.pushBack(c)
	return nil
}

// SubmitAccept submits a non-blocking accept(2) on the listening fd.
// The accepted socket is returned via Result.Fd, already non-blocking
// and close-on-exec.
func (l *Loop) SubmitAccept(ctx any, cb Callback, c *Completion, fd int) error {
	return l.submit(c, OpAccept, fd, ctx, cb)
}

// SubmitConnect submits a non-blocking connect(2) on fd toward addr.
func (l *Loop) SubmitConnect(ctx any, cb Callback, c *Completion, fd int, addr Sockaddr) error {
	if err := l.submit(c, OpConnect, fd, ctx, cb); err != nil {
		return err
	}
	c.addr = addr
	return nil
}

// SubmitRecv submits a non-blocking recv into buf.
func (l *Loop) SubmitRecv(ctx any, cb Callback, c *Completion, fd int, buf []byte) error {
	if err := l.submit(c, OpRecv, fd, ctx, cb); err != nil {
		return err
	}
	c.buf = buf
	return nil
}

// SubmitSend submits a non-blocking send of buf. A short send is
// reported as-is in the Result; the caller resubmits the remainder.
func (l *Loop) SubmitSend(ctx any, cb Callback, c *Completion, fd int, buf []byte) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if err := l.submit(c, OpSend, fd, ctx, cb); err != nil {
		return err
	}
	c.buf = buf
	return nil
}

// SubmitRead submits a non-blocking offset-based pread into buf.
func (l *Loop) SubmitRead(ctx any, cb Callback, c *Completion, fd int, buf []byte, off int64) error {
	if err := l.submit(c, OpRead, fd, ctx, cb); err != nil {
		return err
	}
	c.buf = buf
	c.off = off
	return nil
}

// SubmitWrite submits a non-blocking offset-based pwrite of buf.
func (l *Loop) SubmitWrite(ctx any, cb Callback, c *Completion, fd int, buf []byte, off int64) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if err := l.submit(c, OpWrite, fd, ctx, cb); err != nil {
		return err
	}
	c.buf = buf
	c.off = off
	return nil
}

// SubmitClose submits a close(2) on fd. Unlike the other ops, this is
// also evloop's ONLY supported cancellation path: any completions
// currently waiting on fd in the notifier are immediately failed with
// KindCanceled before close's own callback runs, satisfying spec.md's
// "closing an fd while a recv is pending completes it with an I/O
// error" property.
//
// Closing fd any other way — CloseSocket, a raw close(2), or letting
// the fd be garbage-collected — does NOT cancel waiters on it and
// will leave them hanging indefinitely: the kernel silently drops
// epoll/kqueue registrations for an fd it has already reclaimed, so
// no readiness event, error or otherwise, is guaranteed to ever
// arrive for completions still parked on it. Always route a fd with
// possible in-flight completions through SubmitClose.
func (l *Loop) SubmitClose(ctx any, cb Callback, c *Completion, fd int) error {
	return l.submit(c, OpClose, fd, ctx, cb)
}

// SubmitTimeout submits a pure deadline completion with no associated
// fd. deadlineNs is an absolute monotonic-ns value as returned by the
// loop's own clock readings (see Now). A deadline at or before the
// current cached time completes on the very next iteration.
func (l *Loop) SubmitTimeout(ctx any, cb Callback, c *Completion, deadlineNs uint64) error {
	if l.closed {
		return ErrLoopClosed
	}
	if c.linked() {
		return ErrMisuse
	}
	*c = Completion{op: OpTimeout, ctx: ctx, cb: cb, deadline: deadlineNs, heapIdx: -1}
	// Timeout completions never pass through unqueued/attempt (they
	// have no syscall); they go straight into the timeout set, or
	// straight to completed for the zero-delay case. See SPEC_FULL.md
	// §4.C and §4.E.
	if deadlineNs <= l.nowCached {
		c.state = stateCompleted
		l.completed.pushBack(c)
		return nil
	}
	c.state = stateWaiting
	l.timeouts.insert(c, deadlineNs)
	return nil
}

// CancelTimeout removes a pending timeout completion from the timeout
// set without dispatching its callback, per spec.md §5's optional
// cancel_timeout API. It reports whether c was found pending.
func (l *Loop) CancelTimeout(c *Completion) bool {
	if c.op != OpTimeout || c.state != stateWaiting {
		return false
	}
	if l.timeouts.remove(c) {
		c.state = stateIdle
		return true
	}
	return false
}

// Now returns the loop's current monotonic-ns reading, suitable for
// computing an absolute deadline to pass to SubmitTimeout.
func (l *Loop) Now() uint64 {
	return l.clock.now()
}

// ---- driver --------------------------------------------------------------

const noBudget = int64(-1)

// Run executes exactly one iteration with a zero poll budget, per
// spec.md §6 ("run() runs one iteration with block budget 0") and
// §4.F step 5. It never blocks: a completion already dispatchable
// this pass is delivered, but one still waiting on the notifier (e.g.
// a recv with no data yet) is only polled without blocking; if it is
// ready it is moved back to unqueued and attempted on the next call,
// so the caller must call Run/RunFor again.
func (l *Loop) Run() error {
	_, err := l.iterate(0)
	return err
}

// RunFor runs iterations until budget elapses, Stop is called, or the
// loop becomes quiescent (every queue, the timeout set, and the
// notifier's waiting set are all empty).
func (l *Loop) RunFor(budget time.Duration) error {
	deadline := l.clock.now() + uint64(budget.Nanoseconds())
	for {
		if l.stopped {
			l.stopped = false
			return nil
		}
		now := l.clock.now()
		if now >= deadline {
			return nil
		}
		quiescent, err := l.iterate(int64(deadline - now))
		if err != nil {
			return err
		}
		if quiescent {
			return nil
		}
	}
}

// iterate runs one pass of the loop per the order resolved in
// SPEC_FULL.md §4.F: refresh clock, attempt unqueued, expire
// timeouts, dispatch completed, compute block budget, poll. budgetNs
// is the remaining external run budget (noBudget meaning "no explicit
// external budget" — only the earliest deadline bounds the poll).
func (l *Loop) iterate(budgetNs int64) (quiescent bool, err error) {
	l.nowCached = l.clock.now()

	l.attemptUnqueued()
	l.expireTimeouts()
	l.dispatchCompleted()

	block, canQuiesce := l.computeBlockBudget(budgetNs)
	if canQuiesce {
		return true, nil
	}

	ready, perr := l.notifier.poll(block)
	if perr != nil {
		// A fatal notifier failure (e.g. EBADF on the notifier handle
		// itself) propagates out of Run/RunFor per spec.md §4.G.
		return false, perr
	}
	for c := ready; c != nil; {
		next := c.next
		c.next = nil
		c.state = stateUnqueued
		l.unqueued.pushBack(c)
		c = next
	}
	return false, nil
}

// attemptUnqueued snapshots unqueued and tries each completion's
// syscall once. A completion whose attempt reports outcomeEINTR is
// re-appended to the (fresh) unqueued tail for the next iteration.
// The attempt functions in ops.go retry EINTR themselves within the
// same attempt and never report outcomeEINTR, so EINTR is not
// deferred to the next iteration.
func (l *Loop) attemptUnqueued() {
	batch := l.unqueued.detachAll()
	for c := batch; c != nil; {
		next := c.next
		c.next = nil

		if c.op == OpClose {
			l.handleClose(c)
			c = next
			continue
		}

		switch attempt(c) {
		case outcomeDone:
			c.state = stateCompleted
			l.completed.pushBack(c)
		case outcomeEINTR:
			c.state = stateUnqueued
			l.unqueued.pushBack(c)
		case outcomeWouldBlock:
			c.state = stateWaiting
			c.dir = directionFor(c.op)
			if rerr := l.notifier.registerInterest(c.fd, c.dir, c); rerr != nil {
				c.result = Result{Err: &OpError{Op: c.op.String(), Fd: c.fd, Kind: KindIO, Inner: rerr}}
				c.state = stateCompleted
				l.completed.pushBack(c)
			}
		}
		c = next
	}
}

// handleClose executes OpClose synchronously: it never blocks, never
// registers interest, and additionally cancels any waiters parked on
// fd in the notifier before delivering its own result.
func (l *Loop) handleClose(c *Completion) {
	canceled := l.notifier.cancelFd(c.fd)
	for w := canceled; w != nil; {
		next := w.next
		w.next = nil
		w.result = Result{Err: canceledError(w.op.String(), w.fd)}
		w.state = stateCompleted
		l.completed.pushBack(w)
		w = next
	}

	if err := closeFd(c.fd); err != nil {
		c.result = Result{Err: mapErrno("close", c.fd, errnoOf(err))}
	} else {
		c.result = Result{}
	}
	c.state = stateCompleted
	l.completed.pushBack(c)
}

// expireTimeouts moves every completion whose deadline has passed
// from the timeout set into completed.
func (l *Loop) expireTimeouts() {
	expired := l.timeouts.drainExpired(l.nowCached)
	for c := expired; c != nil; {
		next := c.next
		c.next = nil
		c.result = Result{}
		c.state = stateCompleted
		l.completed.pushBack(c)
		c = next
	}
}

// dispatchCompleted drains completed and invokes every callback. A
// completion is reset to stateIdle (owner-reusable) before its
// callback runs, so the callback may resubmit it immediately; any
// such resubmission lands in the now-empty unqueued and is first
// attempted on the *next* call to iterate.
func (l *Loop) dispatchCompleted() {
	batch := l.completed.detachAll()
	for c := batch; c != nil; {
		next := c.next
		c.next = nil

		ctx, cb, res := c.ctx, c.cb, c.result
		c.ctx = nil
		c.state = stateIdle
		cb(ctx, c, res)

		c = next
	}
}

// computeBlockBudget implements spec.md §4.F step 5. It also reports
// whether the loop may quiesce (return) without polling at all: when
// nothing is waiting and no timeouts are pending, blocking would wait
// forever for no reason.
func (l *Loop) computeBlockBudget(runBudgetNs int64) (blockNs int64, quiesce bool) {
	if !l.unqueued.empty() || !l.completed.empty() {
		return 0, false
	}

	waiting := l.notifier.pending()
	_, haveDeadline := l.timeouts.earliestDeadline()
	if !waiting && !haveDeadline {
		return 0, true
	}

	var b int64 = noBudget
	if haveDeadline {
		earliest, _ := l.timeouts.earliestDeadline()
		if earliest <= l.nowCached {
			b = 0
		} else {
			b = int64(earliest - l.nowCached)
		}
	}
	if runBudgetNs >= 0 {
		if b < 0 || runBudgetNs < b {
			b = runBudgetNs
		}
	}
	if b < 0 {
		b = noBudget
	}
	return b, false
}
