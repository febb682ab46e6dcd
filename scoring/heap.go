package scoring

import (
	"container/heap"

	"github.com/taintlabs/taintd/graph/models"
)

// massKey identifies one pending propagation entry: the taint mass of a
// single seed waiting at a single unit at a given depth. Keeping the
// depth in the key means masses only merge when they propagate
// identically from here on.
type massKey struct {
	unit models.NodeID
	seed models.AddrID
	hop  int
}

// pendingMass couples a mass key with the contribution accumulated for
// it so far.
type pendingMass struct {
	key  massKey
	mass float64
}

// massHeap is a max-mass heap that drives score propagation in largest
// contribution first order. Together with the total tie-break order on
// keys this makes the traversal sequence a pure function of the graph.
type massHeap struct {
	entries []pendingMass

	// keyIndices maps mass keys to their respective index in the
	// heap. This is used as a way to merge contributions in place by
	// using heap.Fix instead of having duplicate entries on the
	// heap.
	keyIndices map[massKey]int
}

// newMassHeap initializes a new mass heap. This is required because we
// must initialize the keyIndices map for the in place merging.
func newMassHeap() *massHeap {
	return &massHeap{
		keyIndices: make(map[massKey]int),
	}
}

// Len returns the number of entries in the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (m *massHeap) Len() int { return len(m.entries) }

// Less returns whether the item in the priority queue with index i
// should sort before the item with index j. Equal masses fall back to
// the key order so that the pop sequence is total.
//
// NOTE: This is part of the heap.Interface implementation.
func (m *massHeap) Less(i, j int) bool {
	a, b := m.entries[i], m.entries[j]
	if a.mass != b.mass {
		return a.mass > b.mass
	}
	if a.key.unit != b.key.unit {
		return a.key.unit.Less(b.key.unit)
	}
	if a.key.seed != b.key.seed {
		return a.key.seed < b.key.seed
	}

	return a.key.hop < b.key.hop
}

// Swap swaps the entries at the passed indices in the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (m *massHeap) Swap(i, j int) {
	m.entries[i], m.entries[j] = m.entries[j], m.entries[i]
	m.keyIndices[m.entries[i].key] = i
	m.keyIndices[m.entries[j].key] = j
}

// Push pushes the passed item onto the priority queue.
//
// NOTE: This is part of the heap.Interface implementation.
func (m *massHeap) Push(x interface{}) {
	entry := x.(pendingMass)
	m.entries = append(m.entries, entry)
	m.keyIndices[entry.key] = len(m.entries) - 1
}

// Pop removes the highest priority item (according to Less) from the
// priority queue and returns it.
//
// NOTE: This is part of the heap.Interface implementation.
func (m *massHeap) Pop() interface{} {
	n := len(m.entries)
	x := m.entries[n-1]
	m.entries = m.entries[0 : n-1]
	delete(m.keyIndices, x.key)

	return x
}

// add merges a contribution into the pending entry of its key, creating
// the entry if the key is new. Masses for the same key are summed, they
// arrived over distinct paths.
func (m *massHeap) add(key massKey, mass float64) {
	index, ok := m.keyIndices[key]
	if !ok {
		heap.Push(m, pendingMass{key: key, mass: mass})
		return
	}

	m.entries[index].mass += mass
	heap.Fix(m, index)
}

// next pops the largest pending entry. The second return value is false
// once the heap is empty.
func (m *massHeap) next() (pendingMass, bool) {
	if m.Len() == 0 {
		return pendingMass{}, false
	}

	return heap.Pop(m).(pendingMass), true
}
