package supervisor

import (
	"container/heap"
	"time"
)

// schedEvent represents one scheduled restart/cooldown-expiry for a
// server id. index is required for heap.Fix/heap.Remove in O(log n).
//
// A PID-keyed min-heap of scheduled fire times, generalized here to
// string server ids. It backs both the restart-backoff and
// cooldown-expiry timers of the crash governor: in both cases a server
// has at most one pending scheduled event, so pushing always supersedes
// any stale one.
type schedEvent struct {
	id    string
	when  time.Time
	index int
}

type scheduler struct {
	h       eventHeap
	entries map[string]*schedEvent
}

func newScheduler() *scheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &scheduler{
		h:       h,
		entries: make(map[string]*schedEvent),
	}
}

// push schedules id to fire at when, replacing any pending event for id.
func (s *scheduler) push(id string, when time.Time) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}
	ev := &schedEvent{id: id, when: when}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest pending event without removing it.
func (s *scheduler) next() (id string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.id, ev.when, true
}

// pop removes the head event unconditionally.
func (s *scheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*schedEvent)
	delete(s.entries, ev.id)
}

// remove cancels the pending event for id, if any.
func (s *scheduler) remove(id string) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

type eventHeap []*schedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
