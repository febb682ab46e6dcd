package models

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestCategoryRoundTrip asserts that every category survives a
// String/ParseCategory round trip and that unknown strings fail.
func TestCategoryRoundTrip(t *testing.T) {
	t.Parallel()

	categories := []EntityCategory{
		CategoryUnknown, CategoryExchange, CategoryMarketplace,
		CategoryMiningPool, CategoryMixer, CategoryPonziScheme,
		CategoryRansomware, CategorySanctioned,
	}
	for _, category := range categories {
		parsed, err := ParseCategory(category.String())
		require.NoError(t, err)
		require.Equal(t, category, parsed)
	}

	_, err := ParseCategory("casino")
	require.Error(t, err)
}

// TestCategoryRisky asserts that exactly the sanction-adjacent
// categories count as taint seeds.
func TestCategoryRisky(t *testing.T) {
	t.Parallel()

	require.True(t, CategoryMixer.Risky())
	require.True(t, CategoryRansomware.Risky())
	require.True(t, CategorySanctioned.Risky())
	require.True(t, CategoryPonziScheme.Risky())

	require.False(t, CategoryExchange.Risky())
	require.False(t, CategoryMiningPool.Risky())
	require.False(t, CategoryUnknown.Risky())
}

// TestTransactionSums asserts the value arithmetic helpers of a
// transaction.
func TestTransactionSums(t *testing.T) {
	t.Parallel()

	tx := &Transaction{
		TxID: chainhash.Hash{0x01},
		Time: time.Unix(1000, 0),
		Inputs: []TxIn{
			{Addr: "alice", Value: 70_000},
			{Addr: "bob", Value: 30_000},
		},
		Outputs: []TxOut{
			{Addr: "carol", Value: 60_000},
			{Addr: "alice", Value: 35_000},
		},
	}

	require.EqualValues(t, 100_000, tx.TotalIn())
	require.EqualValues(t, 95_000, tx.TotalOut())
	require.EqualValues(t, 5_000, tx.Fee())
	require.False(t, tx.Coinbase())

	coinbase := &Transaction{
		TxID:    chainhash.Hash{0x02},
		Time:    time.Unix(1000, 0),
		Outputs: []TxOut{{Addr: "miner", Value: 50_000}},
	}
	require.True(t, coinbase.Coinbase())
}

// TestTransactionAddrs asserts that address accessors dedupe and sort.
func TestTransactionAddrs(t *testing.T) {
	t.Parallel()

	tx := &Transaction{
		Inputs: []TxIn{
			{Addr: "zeta", Value: 1},
			{Addr: "alpha", Value: 1},
			{Addr: "zeta", Value: 1},
		},
		Outputs: []TxOut{
			{Addr: "mid", Value: 1},
			{Addr: "alpha", Value: 1},
			{Addr: "mid", Value: 1},
		},
	}

	require.Equal(t, []AddrID{"alpha", "zeta"}, tx.InputAddrs())
	require.Equal(t, []AddrID{"alpha", "mid"}, tx.OutputAddrs())
}

// TestTransactionEqual asserts content equality semantics, including
// the outpoint provenance of inputs.
func TestTransactionEqual(t *testing.T) {
	t.Parallel()

	base := func() *Transaction {
		return &Transaction{
			TxID: chainhash.Hash{0x03},
			Time: time.Unix(2000, 0),
			Inputs: []TxIn{{
				PrevOut: wire.OutPoint{
					Hash:  chainhash.Hash{0x01},
					Index: 1,
				},
				Addr:  "alice",
				Value: 10,
			}},
			Outputs: []TxOut{{Addr: "bob", Value: 9}},
		}
	}

	a, b := base(), base()
	require.True(t, a.Equal(b))
	require.True(t, a.Equal(a.Copy()))

	b.Inputs[0].PrevOut.Index = 2
	require.False(t, a.Equal(b))

	c := base()
	c.Time = c.Time.Add(time.Second)
	require.False(t, a.Equal(c))
}

// TestNodeIDOrdering asserts the canonical string forms and that
// entity and address nodes with the same raw id stay distinct.
func TestNodeIDOrdering(t *testing.T) {
	t.Parallel()

	addr := AddrNode("1abc")
	ent := EntityNode(NewEntityID("1abc"))

	require.Equal(t, "addr:1abc", addr.String())
	require.Equal(t, "ent:1abc", ent.String())
	require.NotEqual(t, addr, ent)
	require.True(t, addr.Less(ent))

	parsed, err := ParseNodeID(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	parsed, err = ParseNodeID(ent.String())
	require.NoError(t, err)
	require.Equal(t, ent, parsed)

	_, err = ParseNodeID("bogus:1abc")
	require.Error(t, err)
}

// TestSortEdges asserts the canonical edge order, time ascending with
// txid tiebreak.
func TestSortEdges(t *testing.T) {
	t.Parallel()

	edges := []Edge{
		{TxID: chainhash.Hash{0x02}, Time: time.Unix(300, 0)},
		{TxID: chainhash.Hash{0x03}, Time: time.Unix(100, 0)},
		{TxID: chainhash.Hash{0x01}, Time: time.Unix(300, 0)},
	}
	SortEdges(edges)

	require.Equal(t, chainhash.Hash{0x03}, edges[0].TxID)
	require.Equal(t, chainhash.Hash{0x01}, edges[1].TxID)
	require.Equal(t, chainhash.Hash{0x02}, edges[2].TxID)
}

// TestFlowPathBottleneck asserts that a path's value equals its
// smallest hop.
func TestFlowPathBottleneck(t *testing.T) {
	t.Parallel()

	path := &FlowPath{Hops: []PathHop{
		{From: "a", To: "b", Value: 500},
		{From: "b", To: "c", Value: 200},
		{From: "c", To: "d", Value: 900},
	}}

	require.EqualValues(t, 200, path.Bottleneck())
	require.Equal(t, AddrID("a"), path.Source())
	require.Equal(t, AddrID("d"), path.Dest())
}

// TestConservationProp asserts over random transactions that the fee
// is exactly the input excess.
func TestConservationProp(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		numIn := rapid.IntRange(0, 5).Draw(rt, "numIn")
		numOut := rapid.IntRange(1, 5).Draw(rt, "numOut")

		tx := &Transaction{Time: time.Unix(1, 0)}
		for i := 0; i < numIn; i++ {
			tx.Inputs = append(tx.Inputs, TxIn{
				Addr: "in",
				Value: btcutil.Amount(
					rapid.Int64Range(0, 1e8).Draw(rt, "in"),
				),
			})
		}
		for i := 0; i < numOut; i++ {
			tx.Outputs = append(tx.Outputs, TxOut{
				Addr: "out",
				Value: btcutil.Amount(
					rapid.Int64Range(0, 1e8).Draw(rt, "out"),
				),
			})
		}

		require.Equal(
			rt, tx.TotalIn()-tx.TotalOut(), tx.Fee(),
		)
		require.Equal(rt, numIn == 0, tx.Coinbase())
	})
}
