package service

import (
	"container/heap"
	"sync"
	"time"
)

// voteDeadline is one pending closure, ordered by deadline.
type voteDeadline struct {
	voteID   string
	deadline time.Time
}

type deadlineQueue []voteDeadline

func (q deadlineQueue) Len() int            { return len(q) }
func (q deadlineQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q deadlineQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *deadlineQueue) Push(x interface{}) { *q = append(*q, x.(voteDeadline)) }
func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// deadlineHeap is the scheduler's priority queue keyed on deadline.
// Entries are lazy: a vote closed early (all ballots in) simply pops as
// a no-op later.
type deadlineHeap struct {
	mu sync.Mutex
	q  deadlineQueue
}

func newDeadlineHeap() *deadlineHeap {
	h := &deadlineHeap{}
	heap.Init(&h.q)
	return h
}

func (h *deadlineHeap) push(voteID string, deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(&h.q, voteDeadline{voteID: voteID, deadline: deadline})
}

// next returns the earliest deadline without removing it.
func (h *deadlineHeap) next() (voteDeadline, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.q) == 0 {
		return voteDeadline{}, false
	}
	return h.q[0], true
}

// popDue removes and returns every entry whose deadline has passed.
func (h *deadlineHeap) popDue(now time.Time) []voteDeadline {
	h.mu.Lock()
	defer h.mu.Unlock()
	var due []voteDeadline
	for len(h.q) > 0 && !h.q[0].deadline.After(now) {
		due = append(due, heap.Pop(&h.q).(voteDeadline))
	}
	return due
}

func (h *deadlineHeap) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.q = h.q[:0]
}

// wake nudges the scheduler to re-read the earliest deadline.
func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// runScheduler sleeps until the earliest vote deadline and enqueues the
// closure for the worker. Deadlines are enforced even if no further
// ballots arrive.
func (s *Service) runScheduler() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := s.deadlines.next(); ok {
			wait = time.Until(next.deadline)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			for _, due := range s.deadlines.popDue(time.Now()) {
				s.enqueue(request{closeVoteID: due.voteID})
			}
		case <-s.wakeCh:
			// New earliest deadline; recompute the wait.
		case <-s.shutdownCh:
			return
		}
	}
}
