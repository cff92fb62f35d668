package evloop

import "container/heap"

// timeoutHeap is a container/heap.Interface over *Completion ordered
// by deadline, grounded directly on the teacher's timedHeap in
// watcher.go (same idx-tracking trick for O(log n) heap.Remove).
type timeoutHeap []*Completion

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timeoutHeap) Push(x any) {
	c := x.(*Completion)
	c.heapIdx = len(*h)
	*h = append(*h, c)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIdx = -1
	*h = old[:n-1]
	return c
}

// timeoutSet is component E: an ordered set of pending timeout
// completions keyed by absolute deadline.
type timeoutSet struct {
	h timeoutHeap
}

// insert adds c to the set with the given absolute deadline. Callers
// must check for the zero-delay case (deadline <= now) themselves;
// insert always goes through the heap.
func (ts *timeoutSet) insert(c *Completion, deadline uint64) {
	c.deadline = deadline
	heap.Push(&ts.h, c)
}

// remove drops c from the set if present, returning whether it was
// found. Used by CancelTimeout.
func (ts *timeoutSet) remove(c *Completion) bool {
	if c.heapIdx < 0 || c.heapIdx >= len(ts.h) || ts.h[c.heapIdx] != c {
		return false
	}
	heap.Remove(&ts.h, c.heapIdx)
	return true
}

// earliestDeadline returns the smallest pending deadline, if any.
func (ts *timeoutSet) earliestDeadline() (uint64, bool) {
	if len(ts.h) == 0 {
		return 0, false
	}
	return ts.h[0].deadline, true
}

func (ts *timeoutSet) empty() bool {
	return len(ts.h) == 0
}

// drainExpired pops every completion with deadline <= now and returns
// them threaded through Completion.next as a linked list, reusing the
// same intrusive-list discipline as the FIFO queues so no extra
// allocation is needed to hand them off to the completed queue.
func (ts *timeoutSet) drainExpired(now uint64) *Completion {
	var head, tail *Completion
	for len(ts.h) > 0 && ts.h[0].deadline <= now {
		c := heap.Pop(&ts.h).(*Completion)
		c.next = nil
		if tail == nil {
			head = c
		} else {
			tail.next = c
		}
		tail = c
	}
	return head
}
