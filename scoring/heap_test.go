package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taintlabs/taintd/graph/models"
)

func key(addr models.AddrID, seed models.AddrID, hop int) massKey {
	return massKey{
		unit: models.AddrNode(addr),
		seed: seed,
		hop:  hop,
	}
}

// TestMassHeapOrder tests that entries pop largest mass first with the
// key order as tiebreak.
func TestMassHeapOrder(t *testing.T) {
	t.Parallel()

	h := newMassHeap()
	h.add(key("c", "s", 1), 0.25)
	h.add(key("a", "s", 2), 0.5)
	h.add(key("b", "s", 1), 0.25)
	h.add(key("b", "r", 1), 0.25)

	var popped []massKey
	for {
		entry, ok := h.next()
		if !ok {
			break
		}
		popped = append(popped, entry.key)
	}

	require.Equal(t, []massKey{
		key("a", "s", 2),
		key("b", "r", 1),
		key("b", "s", 1),
		key("c", "s", 1),
	}, popped)
}

// TestMassHeapMerge tests that same-key contributions merge in place
// while differing hops stay separate entries.
func TestMassHeapMerge(t *testing.T) {
	t.Parallel()

	h := newMassHeap()
	h.add(key("a", "s", 1), 0.125)
	h.add(key("a", "s", 1), 0.25)
	h.add(key("a", "s", 2), 0.125)

	require.Equal(t, 2, h.Len())

	entry, ok := h.next()
	require.True(t, ok)
	require.Equal(t, key("a", "s", 1), entry.key)
	require.Equal(t, 0.375, entry.mass)

	entry, ok = h.next()
	require.True(t, ok)
	require.Equal(t, key("a", "s", 2), entry.key)
	require.Equal(t, 0.125, entry.mass)

	_, ok = h.next()
	require.False(t, ok)
}

// TestMassHeapMergeReorders tests that a merge lifting a small entry
// above the current maximum reorders the heap.
func TestMassHeapMergeReorders(t *testing.T) {
	t.Parallel()

	h := newMassHeap()
	h.add(key("a", "s", 1), 0.5)
	h.add(key("b", "s", 1), 0.25)
	h.add(key("b", "s", 1), 0.375)

	entry, ok := h.next()
	require.True(t, ok)
	require.Equal(t, key("b", "s", 1), entry.key)
	require.Equal(t, 0.625, entry.mass)
}
