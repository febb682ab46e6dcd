package models

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Edge is one traversal step between an address and a transaction, as
// returned by the store's edge queries. Value is the portion of the
// transaction's flow that touches the queried address: the sum the
// address contributed for out-edges, the sum it received for in-edges.
type Edge struct {
	TxID  chainhash.Hash
	Time  time.Time
	Value btcutil.Amount
}

// SortEdges orders edges by time ascending with the txid as tiebreak,
// the canonical order every store implementation returns.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].Time.Equal(edges[j].Time) {
			return edges[i].Time.Before(edges[j].Time)
		}

		return bytes.Compare(
			edges[i].TxID[:], edges[j].TxID[:],
		) < 0
	})
}
