package models

import "time"

// Subgraph is a self-contained slice of the graph. Every included
// transaction's input and output addresses are present, and every
// included address's entity, labels and score are present when they
// exist, so the export can be rendered without further lookups.
type Subgraph struct {
	Addresses    []*Address
	Transactions []*Transaction
	Entities     []*Entity
	Labels       []AddressLabel
	Scores       []*RiskScore

	// Truncated is set when the node cap or the hop budget cut the
	// expansion before the frontier emptied. The closure guarantee
	// above holds regardless.
	Truncated bool
}

// NodeCount returns the number of address and transaction nodes in the
// export, the quantity the exporter's node cap is measured against.
func (s *Subgraph) NodeCount() int {
	return len(s.Addresses) + len(s.Transactions)
}

// GraphStats summarizes store contents for health and debug surfaces.
type GraphStats struct {
	Addresses    int64
	Transactions int64
	Entities     int64
	Labels       int64
	Scores       int64
	LastIngest   time.Time
}
