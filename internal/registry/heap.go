package registry

import "time"

// fireEntry is one armed firing in the timer heap.
// Entries are never removed on cancel; the run loop skips entries whose job
// is no longer scheduled (lazy deletion).
type fireEntry struct {
	at    time.Time
	jobID string
	seq   uint64
}

// fireHeap is a min-heap ordered by firing time, sequence-ordered for ties.
type fireHeap []fireEntry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) {
	*h = append(*h, x.(fireEntry))
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
