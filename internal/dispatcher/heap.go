package dispatcher

import (
	"container/heap"
	"time"
)

// fireEntry is one pending (job, fire_time) pair awaiting dispatch. Retries
// and triggers also flow through a fireEntry once bound, so the heap is the
// single source of "what's due next" regardless of origin.
type fireEntry struct {
	jobName      string
	fireAt       time.Time
	priority     int
	attempt      int
	scheduledFor *time.Time
	input        map[string]any
	parentRunID  *string
}

// fireHeap is a min-heap ordered by fire time, then by spec.md §4.4's
// tie-break: higher priority first, then lexicographic job name.
type fireHeap []*fireEntry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].jobName < h[j].jobName
}

func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) { *h = append(*h, x.(*fireEntry)) }

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&fireHeap{})
