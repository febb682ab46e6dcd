package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/models"
)

var testTime = time.Unix(1_700_000_000, 0)

// cospendTx builds a transaction spending one fresh outpoint per input
// address and paying the given outputs.
func cospendTx(id byte, inputs []models.AddrID,
	outputs ...models.TxOut) *models.Transaction {

	tx := &models.Transaction{
		TxID:    chainhash.Hash{id},
		Time:    testTime.Add(time.Duration(id) * time.Minute),
		Outputs: outputs,
	}
	for i, addr := range inputs {
		tx.Inputs = append(tx.Inputs, models.TxIn{
			PrevOut: wire.OutPoint{
				Hash:  chainhash.Hash{0xf0, id, byte(i)},
				Index: uint32(i),
			},
			Addr:  addr,
			Value: 100_000,
		})
	}

	return tx
}

func out(addr models.AddrID, value btcutil.Amount) models.TxOut {
	return models.TxOut{Addr: addr, Value: value}
}

func label(addr models.AddrID, name string,
	category models.EntityCategory) *models.AddressLabel {

	return &models.AddressLabel{
		Addr:     addr,
		Name:     name,
		Category: category,
		Source:   "test",
	}
}

func setupEngine(t *testing.T, cfg ExclusionConfig) (*Engine,
	*memstore.Store) {

	t.Helper()

	store := memstore.New()
	engine, err := New(Config{
		Store:     store,
		Exclusion: cfg,
		Clock:     clock.NewTestClock(testTime),
	})
	require.NoError(t, err)

	return engine, store
}

func entityIDOf(t *testing.T, store *memstore.Store,
	addr models.AddrID) models.EntityID {

	t.Helper()

	got, err := store.GetEntityOf(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, got.IsSome(), "address %v has no entity", addr)

	var id models.EntityID
	got.WhenSome(func(e *models.Entity) {
		id = e.ID
	})

	return id
}

// TestClusterCospending tests that the transitive closure of co-spends
// forms one entity keyed by its smallest member.
func TestClusterCospending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store := setupEngine(t, DefaultExclusionConfig())

	// bob+carol co-spend, then alice+bob co-spend, bridging all
	// three. dave and erin form a separate pair.
	for _, tx := range []*models.Transaction{
		cospendTx(1, []models.AddrID{"bob", "carol"},
			out("x1", 150_000)),
		cospendTx(2, []models.AddrID{"alice", "bob"},
			out("x2", 150_000)),
		cospendTx(3, []models.AddrID{"dave", "erin"},
			out("x3", 150_000)),
	} {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.TxsScanned)
	require.Equal(t, 0, res.TxsExcluded)
	require.Equal(t, 2, res.Entities)

	wantID := models.NewEntityID("alice")
	for _, addr := range []models.AddrID{"alice", "bob", "carol"} {
		require.Equal(t, wantID, entityIDOf(t, store, addr))
	}
	require.Equal(t, models.NewEntityID("dave"),
		entityIDOf(t, store, "dave"))

	// Output addresses never cluster through co-spending alone.
	got, err := store.GetEntityOf(ctx, "x1")
	require.NoError(t, err)
	require.True(t, got.IsNone())
}

// TestMixExclusion tests that uniform output transactions and
// denylisted addresses are withheld from clustering.
func TestMixExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("uniform outputs", func(t *testing.T) {
		t.Parallel()

		engine, store := setupEngine(t, DefaultExclusionConfig())

		// Three inputs and three equal denominations, the
		// classic CoinJoin shape.
		join := cospendTx(1,
			[]models.AddrID{"alice", "bob", "carol"},
			out("x1", 90_000), out("x2", 90_000),
			out("x3", 90_000),
		)
		require.NoError(t, store.InsertTransaction(ctx, join))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.TxsExcluded)
		require.Zero(t, res.Entities)

		got, err := store.GetEntityOf(ctx, "alice")
		require.NoError(t, err)
		require.True(t, got.IsNone())
	})

	t.Run("denylisted address", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultExclusionConfig()
		cfg.Denylist = []models.AddrID{"tumbler"}
		engine, store := setupEngine(t, cfg)

		require.NoError(t, store.InsertTransaction(ctx, cospendTx(
			1, []models.AddrID{"alice", "tumbler"},
			out("x1", 150_000),
		)))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.TxsExcluded)
		require.Zero(t, res.Entities)
	})

	t.Run("disabled structural test", func(t *testing.T) {
		t.Parallel()

		engine, store := setupEngine(t, ExclusionConfig{})

		join := cospendTx(1,
			[]models.AddrID{"alice", "bob", "carol"},
			out("x1", 90_000), out("x2", 90_000),
			out("x3", 90_000),
		)
		require.NoError(t, store.InsertTransaction(ctx, join))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Zero(t, res.TxsExcluded)
		require.Equal(t, 1, res.Entities)
	})
}

// TestExclusionConfigValidation tests the threshold sanity checks.
func TestExclusionConfigValidation(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ExclusionConfig{
		{MinInputs: -1},
		{MinUniformOutputs: -2},
		{MinInputs: 1, MinUniformOutputs: 3},
		{MinInputs: 3, MinUniformOutputs: 1},
	} {
		require.Error(t, cfg.Validate())
	}

	valid := DefaultExclusionConfig()
	require.NoError(t, valid.Validate())
	require.NoError(t, (&ExclusionConfig{}).Validate())
}

// TestLabelFolding tests label propagation onto entities including the
// conflict flag.
func TestLabelFolding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("agreeing labels", func(t *testing.T) {
		t.Parallel()

		engine, store := setupEngine(t, DefaultExclusionConfig())

		require.NoError(t, store.InsertTransaction(ctx, cospendTx(
			1, []models.AddrID{"alice", "bob"},
			out("x1", 150_000),
		)))
		require.NoError(t, store.UpsertAddressLabel(
			ctx, label("alice", "BitBazaar",
				models.CategoryExchange),
		))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Zero(t, res.Conflicts)

		got, err := store.GetEntityOf(ctx, "bob")
		require.NoError(t, err)
		got.WhenSome(func(e *models.Entity) {
			require.Equal(t, "BitBazaar", e.Label.UnwrapOr(""))
			require.Equal(t, models.CategoryExchange, e.Category)
			require.False(t, e.Conflict)
		})
	})

	t.Run("conflicting categories veto the merge", func(t *testing.T) {
		t.Parallel()

		engine, store := setupEngine(t, DefaultExclusionConfig())

		require.NoError(t, store.InsertTransaction(ctx, cospendTx(
			1, []models.AddrID{"alice", "bob"},
			out("x1", 150_000),
		)))
		require.NoError(t, store.UpsertAddressLabel(
			ctx, label("alice", "BitBazaar",
				models.CategoryExchange),
		))
		require.NoError(t, store.UpsertAddressLabel(
			ctx, label("bob", "DarkLaundry",
				models.CategorySanctioned),
		))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.MergesRejected)
		require.Equal(t, 2, res.Entities)
		require.Equal(t, 2, res.Conflicts)

		// The co-spend evidence is refused: each address keeps its
		// own entity of the stated type, flagged on both sides.
		aliceID := entityIDOf(t, store, "alice")
		bobID := entityIDOf(t, store, "bob")
		require.NotEqual(t, aliceID, bobID)

		aliceEnt, err := store.GetEntity(ctx, aliceID)
		require.NoError(t, err)
		require.Equal(t, []models.AddrID{"alice"},
			aliceEnt.Members)
		require.Equal(t, "BitBazaar", aliceEnt.Label.UnwrapOr(""))
		require.Equal(t, models.CategoryExchange, aliceEnt.Category)
		require.True(t, aliceEnt.Conflict)

		bobEnt, err := store.GetEntity(ctx, bobID)
		require.NoError(t, err)
		require.Equal(t, []models.AddrID{"bob"}, bobEnt.Members)
		require.Equal(t, "DarkLaundry", bobEnt.Label.UnwrapOr(""))
		require.Equal(t, models.CategorySanctioned,
			bobEnt.Category)
		require.True(t, bobEnt.Conflict)
	})

	t.Run("one address, disagreeing sources", func(t *testing.T) {
		t.Parallel()

		engine, store := setupEngine(t, DefaultExclusionConfig())

		require.NoError(t, store.InsertTransaction(ctx, cospendTx(
			1, []models.AddrID{"alice", "bob"},
			out("x1", 150_000),
		)))

		// Two feeds disagree about alice herself. There is no
		// second stated side to veto, so the cluster survives but
		// is flagged with the most severe category kept.
		feedA := label("alice", "BitBazaar", models.CategoryExchange)
		feedB := label("alice", "DarkLaundry",
			models.CategorySanctioned)
		feedB.Source = "other-feed"
		require.NoError(t, store.UpsertAddressLabel(ctx, feedA))
		require.NoError(t, store.UpsertAddressLabel(ctx, feedB))

		res, err := engine.Run(ctx)
		require.NoError(t, err)
		require.Zero(t, res.MergesRejected)
		require.Equal(t, 1, res.Entities)
		require.Equal(t, 1, res.Conflicts)

		got, err := store.GetEntityOf(ctx, "bob")
		require.NoError(t, err)
		got.WhenSome(func(e *models.Entity) {
			require.True(t, e.Conflict)
			require.True(t, e.Label.IsNone())
			require.Equal(t, models.CategorySanctioned,
				e.Category)
		})
	})
}

// TestConflictVetoKeepsCompatibleMerges tests that a refused merge only
// severs the conflicting edge: compatible co-spends on either side still
// cluster as usual.
func TestConflictVetoKeepsCompatibleMerges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store := setupEngine(t, DefaultExclusionConfig())

	// carol co-spends with alice, dave with bob. The alice+bob
	// co-spend sits between an exchange and a mixer and is refused.
	for _, tx := range []*models.Transaction{
		cospendTx(1, []models.AddrID{"alice", "carol"},
			out("x1", 150_000)),
		cospendTx(2, []models.AddrID{"alice", "bob"},
			out("x2", 150_000)),
		cospendTx(3, []models.AddrID{"bob", "dave"},
			out("x3", 150_000)),
	} {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}
	require.NoError(t, store.UpsertAddressLabel(
		ctx, label("alice", "BitBazaar", models.CategoryExchange),
	))
	require.NoError(t, store.UpsertAddressLabel(
		ctx, label("bob", "Grinder", models.CategoryMixer),
	))

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.MergesRejected)
	require.Equal(t, 2, res.Entities)
	require.Equal(t, 2, res.Conflicts)

	aliceEnt, err := store.GetEntity(
		ctx, entityIDOf(t, store, "alice"),
	)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"alice", "carol"},
		aliceEnt.Members)
	require.Equal(t, models.CategoryExchange, aliceEnt.Category)
	require.True(t, aliceEnt.Conflict)

	bobEnt, err := store.GetEntity(ctx, entityIDOf(t, store, "bob"))
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"bob", "dave"}, bobEnt.Members)
	require.Equal(t, models.CategoryMixer, bobEnt.Category)
	require.True(t, bobEnt.Conflict)
}

// TestLabeledSingletons tests that labeled addresses without any
// co-spend evidence still materialize as single member entities of
// their stated type.
func TestLabeledSingletons(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store := setupEngine(t, DefaultExclusionConfig())

	// carol only ever receives, dave is known through his label
	// alone.
	require.NoError(t, store.InsertTransaction(ctx, cospendTx(
		1, []models.AddrID{"alice", "bob"}, out("carol", 150_000),
	)))
	require.NoError(t, store.UpsertAddressLabel(
		ctx, label("carol", "BitBazaar", models.CategoryExchange),
	))
	require.NoError(t, store.UpsertAddressLabel(
		ctx, label("dave", "Grinder", models.CategoryMixer),
	))

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Entities)
	require.Zero(t, res.MergesRejected)
	require.Zero(t, res.Conflicts)

	carolEnt, err := store.GetEntity(
		ctx, entityIDOf(t, store, "carol"),
	)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"carol"}, carolEnt.Members)
	require.Equal(t, "BitBazaar", carolEnt.Label.UnwrapOr(""))
	require.Equal(t, models.CategoryExchange, carolEnt.Category)
	require.False(t, carolEnt.Conflict)

	daveEnt, err := store.GetEntity(ctx, entityIDOf(t, store, "dave"))
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"dave"}, daveEnt.Members)
	require.Equal(t, models.CategoryMixer, daveEnt.Category)

	// Re-running reproduces the same entity set.
	res, err = engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Entities)
}

// TestRerunIdempotent tests that re-running on an unchanged graph
// reproduces identical entities, and that new bridging evidence merges
// clusters without leaving the absorbed record behind.
func TestRerunIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, store := setupEngine(t, DefaultExclusionConfig())

	require.NoError(t, store.InsertTransaction(ctx, cospendTx(
		1, []models.AddrID{"alice", "bob"}, out("x1", 150_000),
	)))
	require.NoError(t, store.InsertTransaction(ctx, cospendTx(
		2, []models.AddrID{"carol", "dave"}, out("x2", 150_000),
	)))

	collect := func() []*models.Entity {
		var entities []*models.Entity
		require.NoError(t, store.ForEachEntity(
			ctx, func(e *models.Entity) error {
				entities = append(entities, e)
				return nil
			},
		))

		return entities
	}

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	first := collect()
	require.Len(t, first, 2)

	_, err = engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, first, collect())

	// A bridging co-spend merges the two clusters into one entity
	// under the globally smallest member.
	require.NoError(t, store.InsertTransaction(ctx, cospendTx(
		3, []models.AddrID{"bob", "carol"}, out("x3", 150_000),
	)))

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Entities)

	merged := collect()
	require.Len(t, merged, 1)
	require.Equal(t, models.NewEntityID("alice"), merged[0].ID)
	require.Equal(t, []models.AddrID{
		"alice", "bob", "carol", "dave",
	}, merged[0].Members)
}

// TestCospendProp asserts on random graphs that every pair of input
// addresses of every clustered transaction lands in the same entity,
// keyed by the smallest member.
func TestCospendProp(t *testing.T) {
	t.Parallel()

	pool := []models.AddrID{"a", "b", "c", "d", "e", "f"}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := memstore.New()
		engine, err := New(Config{
			Store: store,
			Clock: clock.NewTestClock(testTime),
		})
		require.NoError(t, err)

		numTxs := rapid.IntRange(1, 8).Draw(rt, "numTxs")
		txs := make([]*models.Transaction, 0, numTxs)
		for i := 0; i < numTxs; i++ {
			inputs := rapid.SliceOfNDistinct(
				rapid.SampledFrom(pool), 2, 4,
				func(a models.AddrID) models.AddrID {
					return a
				},
			).Draw(rt, "inputs")

			tx := cospendTx(byte(i+1), inputs,
				out("sink", 100_000))
			require.NoError(t,
				store.InsertTransaction(ctx, tx))
			txs = append(txs, tx)
		}

		_, err = engine.Run(ctx)
		require.NoError(t, err)

		for _, tx := range txs {
			inputs := tx.InputAddrs()
			want := entityIDOf(t, store, inputs[0])
			for _, addr := range inputs[1:] {
				require.Equal(t, want,
					entityIDOf(t, store, addr))
			}
		}

		// Every entity id must equal the id derived from its
		// smallest member.
		require.NoError(t, store.ForEachEntity(
			ctx, func(e *models.Entity) error {
				require.NotEmpty(t, e.Members)
				require.Equal(t,
					models.NewEntityID(e.Members[0]),
					e.ID)

				return nil
			},
		))
	})
}
