package attribution

import (
	"github.com/taintlabs/taintd/graph/models"
)

// clusterer layers the external intelligence constraint over the raw
// union-find: components whose stated categories disagree are never
// merged, no matter how much co-spend evidence connects them. A refused
// merge flags the labeled addresses on both sides so the disagreement
// surfaces on the resulting entities instead of one label silently
// winning.
type clusterer struct {
	uf *unionFind

	// stated maps each externally labeled address to the category its
	// labels state.
	stated map[models.AddrID]models.EntityCategory

	// cat and witness track, per component root, the category the
	// component inherited and the labeled member it came from.
	cat     map[models.AddrID]models.EntityCategory
	witness map[models.AddrID]models.AddrID

	// flagged collects the labeled addresses on either side of a
	// refused merge.
	flagged map[models.AddrID]struct{}
}

func newClusterer(stated map[models.AddrID]models.EntityCategory) *clusterer {
	return &clusterer{
		uf:      newUnionFind(),
		stated:  stated,
		cat:     make(map[models.AddrID]models.EntityCategory),
		witness: make(map[models.AddrID]models.AddrID),
		flagged: make(map[models.AddrID]struct{}),
	}
}

// add registers an address as a singleton component, seeded with the
// category its labels state if any. Adding a known address is a no-op.
func (c *clusterer) add(addr models.AddrID) {
	if c.uf.has(addr) {
		return
	}

	c.uf.add(addr)
	if cat, ok := c.stated[addr]; ok && cat != models.CategoryUnknown {
		c.cat[addr] = cat
		c.witness[addr] = addr
	}
}

// union merges the components holding a and b. When both sides carry a
// stated category and the categories disagree the merge is refused: the
// two witnessing addresses are flagged and the components stay apart.
// Both addresses must have been added before.
func (c *clusterer) union(a, b models.AddrID) bool {
	rootA, rootB := c.uf.find(a), c.uf.find(b)
	if rootA == rootB {
		return true
	}

	catA, okA := c.cat[rootA]
	catB, okB := c.cat[rootB]
	if okA && okB && catA != catB {
		c.flagged[c.witness[rootA]] = struct{}{}
		c.flagged[c.witness[rootB]] = struct{}{}

		return false
	}

	c.uf.union(a, b)

	root := c.uf.find(a)
	delete(c.cat, rootA)
	delete(c.cat, rootB)
	switch {
	case okA:
		c.cat[root] = catA
		c.witness[root] = c.witness[rootA]

	case okB:
		c.cat[root] = catB
		c.witness[root] = c.witness[rootB]
	}

	return true
}

// hasFlagged reports whether any member sat on a refused side of a
// category disagreement.
func (c *clusterer) hasFlagged(members []models.AddrID) bool {
	for _, member := range members {
		if _, ok := c.flagged[member]; ok {
			return true
		}
	}

	return false
}

// components returns the final clustered address sets, sorted for
// deterministic output.
func (c *clusterer) components() [][]models.AddrID {
	return c.uf.components()
}
