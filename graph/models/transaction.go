package models

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxIn is a transaction input resolved to the address and value of the
// output it consumes. PrevOut pins the exact funding output so that
// double spends can be rejected at ingestion time.
type TxIn struct {
	PrevOut wire.OutPoint
	Addr    AddrID
	Value   btcutil.Amount
}

// TxOut is a single transaction output.
type TxOut struct {
	Addr  AddrID
	Value btcutil.Amount
}

// Transaction is a confirmed transaction node in the analytics graph.
// Inputs and outputs are stored fully resolved, the engine never goes
// back to the chain.
type Transaction struct {
	TxID    chainhash.Hash
	Time    time.Time
	Inputs  []TxIn
	Outputs []TxOut
}

// TotalIn returns the sum of all input values.
func (t *Transaction) TotalIn() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range t.Inputs {
		total += in.Value
	}

	return total
}

// TotalOut returns the sum of all output values.
func (t *Transaction) TotalOut() btcutil.Amount {
	var total btcutil.Amount
	for _, out := range t.Outputs {
		total += out.Value
	}

	return total
}

// Fee returns the difference between total input and total output
// value. It is meaningless for coinbase transactions.
func (t *Transaction) Fee() btcutil.Amount {
	return t.TotalIn() - t.TotalOut()
}

// Coinbase reports whether the transaction creates new coins, meaning
// there are no inputs to conserve value against.
func (t *Transaction) Coinbase() bool {
	return len(t.Inputs) == 0
}

// InputAddrs returns the distinct input addresses in ascending order.
func (t *Transaction) InputAddrs() []AddrID {
	return dedupAddrs(len(t.Inputs), func(i int) AddrID {
		return t.Inputs[i].Addr
	})
}

// OutputAddrs returns the distinct output addresses in ascending order.
func (t *Transaction) OutputAddrs() []AddrID {
	return dedupAddrs(len(t.Outputs), func(i int) AddrID {
		return t.Outputs[i].Addr
	})
}

func dedupAddrs(n int, addr func(int) AddrID) []AddrID {
	seen := make(map[AddrID]struct{}, n)
	addrs := make([]AddrID, 0, n)
	for i := 0; i < n; i++ {
		a := addr(i)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		addrs = append(addrs, a)
	}

	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i] < addrs[j]
	})

	return addrs
}

// Copy returns a deep copy of the transaction.
func (t *Transaction) Copy() *Transaction {
	c := &Transaction{
		TxID:    t.TxID,
		Time:    t.Time,
		Inputs:  make([]TxIn, len(t.Inputs)),
		Outputs: make([]TxOut, len(t.Outputs)),
	}
	copy(c.Inputs, t.Inputs)
	copy(c.Outputs, t.Outputs)

	return c
}

// Equal reports whether two transactions are identical in content,
// which is what ingestion idempotence is judged against.
func (t *Transaction) Equal(other *Transaction) bool {
	if t.TxID != other.TxID || !t.Time.Equal(other.Time) {
		return false
	}
	if len(t.Inputs) != len(other.Inputs) ||
		len(t.Outputs) != len(other.Outputs) {

		return false
	}
	for i, in := range t.Inputs {
		if in != other.Inputs[i] {
			return false
		}
	}
	for i, out := range t.Outputs {
		if out != other.Outputs[i] {
			return false
		}
	}

	return true
}
