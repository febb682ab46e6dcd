package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
)

var testTime = time.Unix(1_700_000_000, 0)

func hashFromByte(b byte) chainhash.Hash {
	return chainhash.Hash{b}
}

// paymentTx builds a single-input single-output transaction at the
// given time offset in minutes.
func paymentTx(id byte, from, to models.AddrID, value int64,
	minutes int) *models.Transaction {

	return &models.Transaction{
		TxID: hashFromByte(id),
		Time: testTime.Add(time.Duration(minutes) * time.Minute),
		Inputs: []models.TxIn{{
			PrevOut: wire.OutPoint{
				Hash:  hashFromByte(id + 100),
				Index: 0,
			},
			Addr:  from,
			Value: btcutil.Amount(value),
		}},
		Outputs: []models.TxOut{{
			Addr:  to,
			Value: btcutil.Amount(value - 1_000),
		}},
	}
}

// TestInsertAndEdgeOrder tests that edges come back sorted by time
// regardless of insertion order, and that both edge directions see the
// transaction.
func TestInsertAndEdgeOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	late := paymentTx(2, "alice", "bob", 50_000, 30)
	early := paymentTx(1, "alice", "carol", 80_000, 10)

	require.NoError(t, store.InsertTransaction(ctx, late))
	require.NoError(t, store.InsertTransaction(ctx, early))

	outs, err := store.GetOutEdges(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Equal(t, early.TxID, outs[0].TxID)
	require.Equal(t, late.TxID, outs[1].TxID)
	require.True(t, outs[0].Time.Before(outs[1].Time))

	ins, err := store.GetInEdges(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ins, 1)
	require.Equal(t, late.TxID, ins[0].TxID)

	// Unknown addresses must be distinguishable from addresses
	// without edges.
	_, err = store.GetOutEdges(ctx, "nobody")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

// TestInsertIdempotence tests that identical re-inserts are accepted
// silently while conflicting content under the same txid is rejected.
func TestInsertIdempotence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	tx := paymentTx(1, "alice", "bob", 50_000, 0)
	require.NoError(t, store.InsertTransaction(ctx, tx))
	require.NoError(t, store.InsertTransaction(ctx, tx.Copy()))

	// The edge indexes must not have doubled.
	outs, err := store.GetOutEdges(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, outs, 1)

	conflicting := tx.Copy()
	conflicting.Outputs[0].Addr = "mallory"
	require.ErrorIs(
		t, store.InsertTransaction(ctx, conflicting),
		graph.ErrConflict,
	)
}

// TestDoubleSpendRejected tests that a second transaction consuming an
// already spent outpoint is rejected.
func TestDoubleSpendRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	first := paymentTx(1, "alice", "bob", 50_000, 0)
	require.NoError(t, store.InsertTransaction(ctx, first))

	double := paymentTx(2, "alice", "carol", 50_000, 5)
	double.Inputs[0].PrevOut = first.Inputs[0].PrevOut
	require.ErrorIs(
		t, store.InsertTransaction(ctx, double), graph.ErrConflict,
	)

	spender, err := store.GetSpender(ctx, first.Inputs[0].PrevOut)
	require.NoError(t, err)
	require.Equal(t, first.TxID, spender)

	_, err = store.GetSpender(ctx, wire.OutPoint{
		Hash: hashFromByte(99), Index: 3,
	})
	require.ErrorIs(t, err, graph.ErrNotFound)
}

// TestReadCopies tests that mutating values handed out by the store
// does not leak back into it.
func TestReadCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	tx := paymentTx(1, "alice", "bob", 50_000, 0)
	require.NoError(t, store.InsertTransaction(ctx, tx))

	got, err := store.GetTransaction(ctx, tx.TxID)
	require.NoError(t, err)
	got.Outputs[0].Addr = "mallory"

	again, err := store.GetTransaction(ctx, tx.TxID)
	require.NoError(t, err)
	require.Equal(t, models.AddrID("bob"), again.Outputs[0].Addr)
}

// TestAddressActivity tests that the address activity window widens
// with every touching transaction.
func TestAddressActivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "alice", "bob", 10_000, 20),
	))
	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(2, "alice", "carol", 10_000, 5),
	))

	addr, err := store.GetAddress(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, testTime.Add(5*time.Minute), addr.FirstSeen)
	require.Equal(t, testTime.Add(20*time.Minute), addr.LastSeen)
	require.EqualValues(t, 2, addr.TxCount)
}

// TestEntityLifecycle tests membership resolution, including the None
// result for unattributed addresses and stale member cleanup on
// re-upsert.
func TestEntityLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "alice", "bob", 10_000, 0),
	))

	// Known but unattributed address resolves to None.
	got, err := store.GetEntityOf(ctx, "alice")
	require.NoError(t, err)
	require.True(t, got.IsNone())

	// Unknown address is an error.
	_, err = store.GetEntityOf(ctx, "nobody")
	require.ErrorIs(t, err, graph.ErrNotFound)

	entity := &models.Entity{
		ID:      models.NewEntityID("alice"),
		Members: []models.AddrID{"alice", "bob"},
	}
	require.NoError(t, store.UpsertEntity(ctx, entity))

	got, err = store.GetEntityOf(ctx, "bob")
	require.NoError(t, err)
	require.True(t, got.IsSome())
	got.WhenSome(func(e *models.Entity) {
		require.Equal(t, entity.ID, e.ID)
	})

	byID, err := store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	require.Equal(t, entity.Members, byID.Members)

	_, err = store.GetEntity(ctx, models.NewEntityID("nobody"))
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Shrink the cluster, bob must fall out of it.
	smaller := &models.Entity{
		ID:      entity.ID,
		Members: []models.AddrID{"alice"},
	}
	require.NoError(t, store.UpsertEntity(ctx, smaller))

	got, err = store.GetEntityOf(ctx, "bob")
	require.NoError(t, err)
	require.True(t, got.IsNone())
}

// TestEntityMerge tests that a cluster absorbing the members of another
// makes the absorbed record disappear entirely.
func TestEntityMerge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.UpsertEntity(ctx, &models.Entity{
		ID:      models.NewEntityID("alice"),
		Members: []models.AddrID{"alice", "bob"},
	}))
	require.NoError(t, store.UpsertEntity(ctx, &models.Entity{
		ID:      models.NewEntityID("carol"),
		Members: []models.AddrID{"carol", "dave"},
	}))

	// A later run discovers the two clusters are one.
	merged := &models.Entity{
		ID:      models.NewEntityID("alice"),
		Members: []models.AddrID{"alice", "bob", "carol", "dave"},
	}
	require.NoError(t, store.UpsertEntity(ctx, merged))

	got, err := store.GetEntityOf(ctx, "dave")
	require.NoError(t, err)
	require.True(t, got.IsSome())
	got.WhenSome(func(e *models.Entity) {
		require.Equal(t, merged.ID, e.ID)
		require.Len(t, e.Members, 4)
	})

	// Membership alone makes an address known, ahead of any chain
	// activity.
	record, err := store.GetAddress(ctx, "dave")
	require.NoError(t, err)
	require.True(t, record.FirstSeen.IsZero())

	// The absorbed record must be gone from enumeration.
	var ids []models.EntityID
	require.NoError(t, store.ForEachEntity(
		ctx, func(e *models.Entity) error {
			ids = append(ids, e.ID)
			return nil
		},
	))
	require.Equal(t, []models.EntityID{merged.ID}, ids)
}

// TestScoresAndLabels tests score round trips and the per-source label
// keying.
func TestScoresAndLabels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "alice", "bob", 10_000, 0),
	))

	score := &models.RiskScore{
		Node:  models.AddrNode("alice"),
		Value: 0.25,
		TopSeeds: []models.SeedShare{
			{Seed: "evil", Share: 0.25},
		},
		ComputedAt: testTime,
	}
	require.NoError(t, store.WriteScore(ctx, score))

	got, err := store.GetScore(ctx, models.AddrNode("alice"))
	require.NoError(t, err)
	require.Equal(t, 0.25, got.Value)

	_, err = store.GetScore(ctx, models.AddrNode("bob"))
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Same source replaces, different source accumulates.
	require.NoError(t, store.UpsertAddressLabel(ctx, &models.AddressLabel{
		Addr: "alice", Name: "mixer one",
		Category: models.CategoryMixer, Source: "osint",
	}))
	require.NoError(t, store.UpsertAddressLabel(ctx, &models.AddressLabel{
		Addr: "alice", Name: "mixer uno",
		Category: models.CategoryMixer, Source: "osint",
	}))
	require.NoError(t, store.UpsertAddressLabel(ctx, &models.AddressLabel{
		Addr: "alice", Name: "mixer uno",
		Category: models.CategoryMixer, Source: "chainfeed",
	}))

	labels, err := store.GetAddressLabels(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	require.Equal(t, "chainfeed", labels[0].Source)
	require.Equal(t, "osint", labels[1].Source)
	require.Equal(t, "mixer uno", labels[1].Name)
}

// TestForEachTransactionOrder tests the global walk order and that
// context cancellation aborts the walk.
func TestForEachTransactionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(3, "a", "b", 10_000, 30),
	))
	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "c", "d", 10_000, 10),
	))
	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(2, "e", "f", 10_000, 20),
	))

	var seen []chainhash.Hash
	err := store.ForEachTransaction(ctx, func(
		tx *models.Transaction) error {

		seen = append(seen, tx.TxID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{
		hashFromByte(1), hashFromByte(2), hashFromByte(3),
	}, seen)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = store.ForEachTransaction(cancelled, func(
		*models.Transaction) error {

		t.Fatal("callback after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

// TestSearchAddresses tests prefix search with a result limit.
func TestSearchAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "1abc", "1abd", 10_000, 0),
	))
	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(2, "1abe", "3xyz", 10_000, 1),
	))

	matches, err := store.SearchAddresses(ctx, "1ab", 2)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"1abc", "1abd"}, matches)

	all, err := store.SearchAddresses(ctx, "1ab", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := store.SearchAddresses(ctx, "bc1", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

// TestStats tests the counters and the ingestion timestamp driven by
// the injected clock.
func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testClock := clock.NewTestClock(testTime)
	store := New(WithClock(testClock))

	require.NoError(t, store.InsertTransaction(
		ctx, paymentTx(1, "alice", "bob", 10_000, 0),
	))

	testClock.SetTime(testTime.Add(time.Hour))
	require.NoError(t, store.UpsertAddressLabel(ctx, &models.AddressLabel{
		Addr: "alice", Name: "x", Category: models.CategoryExchange,
		Source: "osint",
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Addresses)
	require.EqualValues(t, 1, stats.Transactions)
	require.EqualValues(t, 1, stats.Labels)
	require.EqualValues(t, 0, stats.Entities)
	require.Equal(t, testTime.Add(time.Hour), stats.LastIngest)
}
