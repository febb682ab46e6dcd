package models

import "time"

// SeedShare records how much of a node's taint arrived from a single
// seed address.
type SeedShare struct {
	Seed  AddrID
	Share float64
}

// RiskScore is the propagated taint of a node, clamped to [0, 1], with
// the top contributing seeds retained for provenance. Scores are
// written at entity granularity when the node is attributed and at
// address granularity otherwise.
type RiskScore struct {
	Node NodeID

	// Value is the clamped sum of all decayed path contributions
	// that reached the node.
	Value float64

	// TopSeeds lists the largest per-seed contributions in
	// descending order, ties broken by seed id.
	TopSeeds []SeedShare

	ComputedAt time.Time
}

// Copy returns a deep copy of the score.
func (s *RiskScore) Copy() *RiskScore {
	c := *s
	c.TopSeeds = make([]SeedShare, len(s.TopSeeds))
	copy(c.TopSeeds, s.TopSeeds)

	return &c
}
