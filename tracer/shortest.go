package tracer

import (
	"context"
	"sort"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
)

// ShortestLink finds the shortest chain of addresses connecting a and b
// where two addresses are linked when they appear in one transaction,
// on either side of it. Direction and time are ignored, this answers
// "are these connected at all" rather than "did funds flow". The chain
// includes both endpoints. graph.ErrNotFound is returned when no link
// exists within the configured hop cap.
func (t *Tracer) ShortestLink(ctx context.Context, a,
	b models.AddrID) ([]models.AddrID, error) {

	if _, err := t.cfg.Store.GetAddress(ctx, a); err != nil {
		return nil, err
	}
	if _, err := t.cfg.Store.GetAddress(ctx, b); err != nil {
		return nil, err
	}

	if a == b {
		return []models.AddrID{a}, nil
	}

	// Plain breadth first search over the co-occurrence graph. The
	// parent map doubles as the visited set.
	parent := map[models.AddrID]models.AddrID{a: a}
	frontier := []models.AddrID{a}

	for depth := 0; depth < t.cfg.MaxHops && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []models.AddrID
		for _, addr := range frontier {
			neighbors, err := t.linkedAddrs(ctx, addr)
			if err != nil {
				return nil, err
			}

			for _, neighbor := range neighbors {
				if _, ok := parent[neighbor]; ok {
					continue
				}
				parent[neighbor] = addr

				if neighbor == b {
					return linkChain(parent, a, b), nil
				}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	return nil, graph.ErrNotFound
}

// linkedAddrs returns all addresses sharing a transaction with the
// given one, sorted and deduplicated.
func (t *Tracer) linkedAddrs(ctx context.Context,
	addr models.AddrID) ([]models.AddrID, error) {

	out, err := t.cfg.Store.GetOutEdges(ctx, addr)
	if err != nil {
		return nil, err
	}
	in, err := t.cfg.Store.GetInEdges(ctx, addr)
	if err != nil {
		return nil, err
	}

	linked := make(map[models.AddrID]struct{})
	for _, edge := range append(out, in...) {
		tx, err := t.cfg.Store.GetTransaction(ctx, edge.TxID)
		if err != nil {
			return nil, err
		}

		for _, other := range tx.InputAddrs() {
			if other != addr {
				linked[other] = struct{}{}
			}
		}
		for _, other := range tx.OutputAddrs() {
			if other != addr {
				linked[other] = struct{}{}
			}
		}
	}

	neighbors := make([]models.AddrID, 0, len(linked))
	for neighbor := range linked {
		neighbors = append(neighbors, neighbor)
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i] < neighbors[j]
	})

	return neighbors, nil
}

// linkChain walks the parent map back from b to a and returns the chain
// in a-to-b order.
func linkChain(parent map[models.AddrID]models.AddrID, a,
	b models.AddrID) []models.AddrID {

	var reversed []models.AddrID
	for cur := b; ; cur = parent[cur] {
		reversed = append(reversed, cur)
		if cur == a {
			break
		}
	}

	chain := make([]models.AddrID, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}

	return chain
}
