package tracer

import (
	"container/heap"
)

// partialHeap is a max-weight heap over path partials. The tie-break
// chain makes the pop order total, so spending the expansion budget is
// a pure function of the graph and the request.
type partialHeap struct {
	partials []*partial
}

func newPartialHeap() *partialHeap {
	return &partialHeap{}
}

// Len returns the number of partials in the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (h *partialHeap) Len() int { return len(h.partials) }

// Less returns whether the item in the priority queue with index i
// should sort before the item with index j.
//
// NOTE: This is part of the heap.Interface implementation.
func (h *partialHeap) Less(i, j int) bool {
	a, b := h.partials[i], h.partials[j]
	if a.weight != b.weight {
		return a.weight > b.weight
	}
	if len(a.hops) != len(b.hops) {
		return len(a.hops) < len(b.hops)
	}
	if a.forward != b.forward {
		return a.forward
	}
	if a.tip != b.tip {
		return a.tip < b.tip
	}

	return pathKey(a.hops) < pathKey(b.hops)
}

// Swap swaps the partials at the passed indices in the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (h *partialHeap) Swap(i, j int) {
	h.partials[i], h.partials[j] = h.partials[j], h.partials[i]
}

// Push pushes the passed item onto the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (h *partialHeap) Push(x interface{}) {
	h.partials = append(h.partials, x.(*partial))
}

// Pop removes the highest priority item (according to Less) from the
// priority queue and returns it.
//
// NOTE: This is part of the heap.Interface implementation.
func (h *partialHeap) Pop() interface{} {
	n := len(h.partials)
	x := h.partials[n-1]
	h.partials = h.partials[0 : n-1]

	return x
}

// push queues a partial for expansion.
func (h *partialHeap) push(p *partial) {
	heap.Push(h, p)
}

// pop returns the strongest queued partial.
func (h *partialHeap) pop() *partial {
	return heap.Pop(h).(*partial)
}
