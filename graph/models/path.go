package models

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PathHop is one transaction edge along a traced flow.
type PathHop struct {
	TxID  chainhash.Hash
	Time  time.Time
	From  AddrID
	To    AddrID
	Value btcutil.Amount
}

// FlowPath is a time-respecting chain of hops from a source address to
// a destination address.
type FlowPath struct {
	Hops []PathHop

	// Value is the bottleneck, the smallest hop value along the
	// path, which bounds how much could have moved end to end.
	Value btcutil.Amount

	// Weight is the decayed flow weight of the path, the product
	// over all hops of the hop's share of its transaction's total
	// output value times the per-hop decay. Paths rank by it.
	Weight float64
}

// Source returns the address the path starts from.
func (p *FlowPath) Source() AddrID {
	if len(p.Hops) == 0 {
		return ""
	}

	return p.Hops[0].From
}

// Dest returns the address the path ends at.
func (p *FlowPath) Dest() AddrID {
	if len(p.Hops) == 0 {
		return ""
	}

	return p.Hops[len(p.Hops)-1].To
}

// Bottleneck recomputes the smallest hop value of the path.
func (p *FlowPath) Bottleneck() btcutil.Amount {
	if len(p.Hops) == 0 {
		return 0
	}

	min := p.Hops[0].Value
	for _, hop := range p.Hops[1:] {
		if hop.Value < min {
			min = hop.Value
		}
	}

	return min
}
