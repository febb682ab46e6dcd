package taintd

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/tracer"
)

var testTime = time.Unix(1_700_000_000, 0)

func at(minutes int) time.Time {
	return testTime.Add(time.Duration(minutes) * time.Minute)
}

// ransomwareFlow builds the canonical two hop flow used throughout the
// engine tests: rw1 and rw2 co-spend into a mule address, which later
// pays two receivers in equal halves.
func ransomwareFlow() (*models.Transaction, *models.Transaction) {
	tx1 := &models.Transaction{
		TxID: chainhash.Hash{1},
		Time: at(0),
		Inputs: []models.TxIn{
			{
				PrevOut: wire.OutPoint{
					Hash: chainhash.Hash{0xf0, 1},
				},
				Addr:  "rw1",
				Value: 60_000,
			},
			{
				PrevOut: wire.OutPoint{
					Hash:  chainhash.Hash{0xf0, 1},
					Index: 1,
				},
				Addr:  "rw2",
				Value: 40_000,
			},
		},
		Outputs: []models.TxOut{{Addr: "mule", Value: 100_000}},
	}

	tx2 := &models.Transaction{
		TxID: chainhash.Hash{2},
		Time: at(60),
		Inputs: []models.TxIn{{
			PrevOut: wire.OutPoint{Hash: chainhash.Hash{1}},
			Addr:    "mule",
			Value:   100_000,
		}},
		Outputs: []models.TxOut{
			{Addr: "clean", Value: 50_000},
			{Addr: "bystander", Value: 50_000},
		},
	}

	return tx1, tx2
}

func rwLabel() *models.AddressLabel {
	return &models.AddressLabel{
		Addr:       "rw1",
		Name:       "REvil",
		Category:   models.CategoryRansomware,
		Source:     "chainpatrol",
		Confidence: 0.9,
	}
}

// setupEngine starts an engine over a fresh in-memory store. The
// recompute ticker is replaced with a force ticker so no cycle fires
// unless a test drives it.
func setupEngine(t *testing.T) (*Engine, *ticker.Force) {
	t.Helper()

	force := ticker.NewForce(time.Hour)

	cfg := DefaultConfig(memstore.New())
	cfg.Clock = clock.NewTestClock(at(120))
	cfg.RecomputeTicker = force

	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	require.NoError(t, engine.Start())
	t.Cleanup(func() {
		require.NoError(t, engine.Stop())
	})

	return engine, force
}

// ingestFlow feeds the canonical flow and its ransomware label through
// the engine.
func ingestFlow(t *testing.T, engine *Engine) {
	t.Helper()

	ctx := context.Background()
	tx1, tx2 := ransomwareFlow()
	require.NoError(t, engine.IngestTransaction(ctx, tx1))
	require.NoError(t, engine.IngestTransaction(ctx, tx2))
	require.NoError(t, engine.IngestAddressLabel(ctx, rwLabel()))
}

// waitDone blocks until the job finished and asserts it succeeded.
func waitDone(t *testing.T, job *Job) {
	t.Helper()

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	state, err := job.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, JobDone, state)
}

// TestEnginePipeline drives the full pipeline over the in-memory store:
// ingest, attribution, scoring, then every query surface.
func TestEnginePipeline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, _ := setupEngine(t)
	ingestFlow(t, engine)

	// Rebuild the clusters. The co-spend of rw1 and rw2 is the only
	// multi-input transaction, so exactly one entity comes out.
	attrJob, err := engine.RunAttribution(ctx)
	require.NoError(t, err)
	waitDone(t, attrJob)

	attrRes := attrJob.AttributionResult()
	require.NotNil(t, attrRes)
	require.Equal(t, 2, attrRes.TxsScanned)
	require.Equal(t, 1, attrRes.Entities)
	require.Zero(t, attrRes.Conflicts)

	// The ransomware label makes rw1 the only seed.
	seeds, err := engine.SeedsFromLabels(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"rw1"}, seeds)

	scoreJob, err := engine.RunScoring(ctx, seeds, engine.cfg.Scoring)
	require.NoError(t, err)
	waitDone(t, scoreJob)

	scoreRes := scoreJob.ScoringResult()
	require.NotNil(t, scoreRes)
	require.Equal(t, 1, scoreRes.Seeds)
	require.Zero(t, scoreRes.SeedsSkipped)
	require.Equal(t, 4, scoreRes.NodesScored)

	// Attribution: rw2 resolves to the cluster, the mule does not.
	entity, err := engine.AttributionOf(ctx, "rw2")
	require.NoError(t, err)
	require.Equal(t, models.NewEntityID("rw1"), entity.ID)
	require.Equal(t, []models.AddrID{"rw1", "rw2"}, entity.Members)
	require.Equal(t, fn.Some("REvil"), entity.Label)
	require.Equal(t, models.CategoryRansomware, entity.Category)
	require.False(t, entity.Conflict)

	_, err = engine.AttributionOf(ctx, "mule")
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Scores: the seeded cluster sits at 1.0 and each hop halves the
	// taint, split across outputs by value.
	score, err := engine.ScoreOf(ctx, models.AddrNode("rw2"))
	require.NoError(t, err)
	require.Equal(t, entity.Node(), score.Node)
	require.Equal(t, 1.0, score.Value)
	require.Equal(t, []models.SeedShare{{Seed: "rw1", Share: 1.0}},
		score.TopSeeds)

	score, err = engine.ScoreOf(ctx, models.AddrNode("mule"))
	require.NoError(t, err)
	require.Equal(t, models.AddrNode("mule"), score.Node)
	require.Equal(t, 0.5, score.Value)

	score, err = engine.ScoreOf(ctx, models.AddrNode("clean"))
	require.NoError(t, err)
	require.Equal(t, 0.125, score.Value)

	score, err = engine.ScoreOf(ctx, models.AddrNode("bystander"))
	require.NoError(t, err)
	require.Equal(t, 0.125, score.Value)

	_, err = engine.ScoreOf(ctx, models.AddrNode("ghost"))
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Trace: one path connects the seed to the receiver.
	trace, err := engine.Trace(ctx, &tracer.Request{
		Source: models.AddrNode("rw1"),
		Dest:   models.AddrNode("clean"),
	})
	require.NoError(t, err)
	require.Len(t, trace.Paths, 1)
	require.False(t, trace.Truncated)
	require.Equal(t, 0.125, trace.Paths[0].Weight)
	require.Equal(t, btcutil.Amount(50_000), trace.Paths[0].Value)

	link, err := engine.ShortestLink(ctx, "rw1", "clean")
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"rw1", "mule", "clean"}, link)

	// Export: the whole component fits, closure carries the entity,
	// the label and every score.
	sub, err := engine.ExportSubgraph(ctx, &export.Request{
		Roots: []models.NodeID{models.AddrNode("rw1")},
	})
	require.NoError(t, err)
	require.False(t, sub.Truncated)
	require.Equal(t, 7, sub.NodeCount())
	require.Len(t, sub.Entities, 1)
	require.Len(t, sub.Labels, 1)
	require.Len(t, sub.Scores, 4)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Transactions)
	require.Equal(t, int64(5), stats.Addresses)
	require.Equal(t, int64(1), stats.Entities)
	require.Equal(t, int64(1), stats.Labels)
	require.Equal(t, int64(4), stats.Scores)

	addrs, err := engine.SearchAddresses(ctx, "rw", 0)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"rw1", "rw2"}, addrs)

	addrs, err = engine.SearchAddresses(ctx, "rw", 1)
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"rw1"}, addrs)
}

// TestEngineDeterministic tests that two engines fed the same data in
// different order end up with bit-identical entities and scores.
func TestEngineDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tx1, tx2 := ransomwareFlow()

	build := func(txs ...*models.Transaction) *Engine {
		engine, _ := setupEngine(t)
		for _, tx := range txs {
			require.NoError(
				t, engine.IngestTransaction(ctx, tx.Copy()),
			)
		}
		require.NoError(t, engine.IngestAddressLabel(ctx, rwLabel()))

		attrJob, err := engine.RunAttribution(ctx)
		require.NoError(t, err)
		waitDone(t, attrJob)

		seeds, err := engine.SeedsFromLabels(ctx)
		require.NoError(t, err)

		scoreJob, err := engine.RunScoring(
			ctx, seeds, engine.cfg.Scoring,
		)
		require.NoError(t, err)
		waitDone(t, scoreJob)

		return engine
	}

	first := build(tx1, tx2)
	second := build(tx2, tx1)

	entityA, err := first.AttributionOf(ctx, "rw1")
	require.NoError(t, err)
	entityB, err := second.AttributionOf(ctx, "rw1")
	require.NoError(t, err)
	require.Equal(t, entityA, entityB)

	nodes := []models.NodeID{
		entityA.Node(),
		models.AddrNode("mule"),
		models.AddrNode("clean"),
		models.AddrNode("bystander"),
	}
	for _, node := range nodes {
		scoreA, err := first.ScoreOf(ctx, node)
		require.NoError(t, err)
		scoreB, err := second.ScoreOf(ctx, node)
		require.NoError(t, err)
		require.Equal(t, scoreA, scoreB)
	}
}
