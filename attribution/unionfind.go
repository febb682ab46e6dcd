package attribution

import (
	"sort"

	"github.com/taintlabs/taintd/graph/models"
)

// unionFind tracks disjoint sets of addresses using union by size with
// path compression. The structure only answers which addresses ended up
// in the same set, canonical ordering of the result is imposed by
// components.
type unionFind struct {
	parent map[models.AddrID]models.AddrID
	size   map[models.AddrID]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[models.AddrID]models.AddrID),
		size:   make(map[models.AddrID]int),
	}
}

// add registers an address as a singleton set. Adding a known address
// is a no-op.
func (u *unionFind) add(addr models.AddrID) {
	if _, ok := u.parent[addr]; ok {
		return
	}

	u.parent[addr] = addr
	u.size[addr] = 1
}

// find returns the current representative of the set holding addr,
// compressing the traversed path on the way up.
func (u *unionFind) find(addr models.AddrID) models.AddrID {
	root := addr
	for u.parent[root] != root {
		root = u.parent[root]
	}

	for u.parent[addr] != root {
		next := u.parent[addr]
		u.parent[addr] = root
		addr = next
	}

	return root
}

// union merges the sets holding a and b, attaching the smaller tree
// under the larger one. Both addresses must have been added before.
func (u *unionFind) union(a, b models.AddrID) {
	rootA, rootB := u.find(a), u.find(b)
	if rootA == rootB {
		return
	}

	if u.size[rootA] < u.size[rootB] {
		rootA, rootB = rootB, rootA
	}

	u.parent[rootB] = rootA
	u.size[rootA] += u.size[rootB]
	delete(u.size, rootB)
}

// has reports whether the address has been added.
func (u *unionFind) has(addr models.AddrID) bool {
	_, ok := u.parent[addr]
	return ok
}

// sameSet reports whether two added addresses share a set.
func (u *unionFind) sameSet(a, b models.AddrID) bool {
	return u.find(a) == u.find(b)
}

// components materializes all sets. Members within a component are
// sorted ascending and components are sorted by their smallest member,
// making the output independent of union order.
func (u *unionFind) components() [][]models.AddrID {
	byRoot := make(map[models.AddrID][]models.AddrID)
	for addr := range u.parent {
		root := u.find(addr)
		byRoot[root] = append(byRoot[root], addr)
	}

	comps := make([][]models.AddrID, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Slice(members, func(i, j int) bool {
			return members[i] < members[j]
		})
		comps = append(comps, members)
	}
	sort.Slice(comps, func(i, j int) bool {
		return comps[i][0] < comps[j][0]
	})

	return comps
}
