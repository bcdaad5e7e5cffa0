package scheduler

import (
	"container/heap"
	"time"
)

// event is one heap element. It refers to its entry by name only; the live
// entry is looked up in the table when the event is acted on.
type event struct {
	dueAt    time.Time
	priority int
	name     string
}

// eventHeap implements container/heap.Interface ordered by due time, then
// priority (lower first), then name.
type eventHeap []event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].name < h[j].name
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func heapInit(h *eventHeap) {
	heap.Init(h)
}

func heapPush(h *eventHeap, e event) {
	heap.Push(h, e)
}

// heapPop removes and returns the earliest event. Panics if the heap is empty.
func heapPop(h *eventHeap) event {
	return heap.Pop(h).(event)
}

// heapRekey moves the root to a new due time.
func heapRekey(h *eventHeap, dueAt time.Time) {
	(*h)[0].dueAt = dueAt
	heap.Fix(h, 0)
}
