package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/models"
)

var testTime = time.Unix(1_700_000_000, 0)

func at(minutes int) time.Time {
	return testTime.Add(time.Duration(minutes) * time.Minute)
}

// payment builds a transaction spending a fresh outpoint from one
// address at the given minute offset.
func payment(id byte, minutes int, from models.AddrID,
	outputs ...models.TxOut) *models.Transaction {

	var total btcutil.Amount
	for _, out := range outputs {
		total += out.Value
	}

	return &models.Transaction{
		TxID: chainhash.Hash{id},
		Time: at(minutes),
		Inputs: []models.TxIn{{
			PrevOut: wire.OutPoint{
				Hash: chainhash.Hash{0xf0, id},
			},
			Addr:  from,
			Value: total,
		}},
		Outputs: outputs,
	}
}

func out(addr models.AddrID, value btcutil.Amount) models.TxOut {
	return models.TxOut{Addr: addr, Value: value}
}

func setupTracer(t *testing.T,
	txs ...*models.Transaction) (*Tracer, *memstore.Store) {

	t.Helper()

	ctx := context.Background()
	store := memstore.New()
	for _, tx := range txs {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}

	tracer, err := New(DefaultConfig(store))
	require.NoError(t, err)

	return tracer, store
}

func addrReq(from, to models.AddrID) *Request {
	return &Request{
		Source: models.AddrNode(from),
		Dest:   models.AddrNode(to),
	}
}

// hopAddrs flattens a path into its address sequence.
func hopAddrs(path *models.FlowPath) []models.AddrID {
	if len(path.Hops) == 0 {
		return nil
	}

	addrs := []models.AddrID{path.Hops[0].From}
	for _, hop := range path.Hops {
		addrs = append(addrs, hop.To)
	}

	return addrs
}

// TestTraceForwardChain tests that a two transaction chain is found in
// flow direction and yields nothing against it.
func TestTraceForwardChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
		payment(2, 10, "b", out("c", 100_000)),
	)

	res, err := tracer.Trace(ctx, addrReq("a", "c"))
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Len(t, res.Paths, 1)
	require.Equal(t, []models.AddrID{"a", "b", "c"},
		hopAddrs(res.Paths[0]))
	require.Equal(t, btcutil.Amount(100_000), res.Paths[0].Value)
	require.Equal(t, 0.25, res.Paths[0].Weight)

	// Money never flowed from c towards a.
	res, err = tracer.Trace(ctx, addrReq("c", "a"))
	require.NoError(t, err)
	require.Empty(t, res.Paths)
	require.False(t, res.Truncated)
}

// TestTraceTimeRespecting tests that a hop sequence running against
// transaction timestamps is not a path.
func TestTraceTimeRespecting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// b forwards to c before it ever receives from a, so the funds
	// reaching c cannot be a's.
	tracer, _ := setupTracer(t,
		payment(1, 0, "b", out("c", 100_000)),
		payment(2, 10, "a", out("b", 100_000)),
	)

	res, err := tracer.Trace(ctx, addrReq("a", "c"))
	require.NoError(t, err)
	require.Empty(t, res.Paths)
}

// TestTraceWindow tests that the time window excludes hops outside it.
func TestTraceWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
		payment(2, 10, "b", out("c", 100_000)),
	)

	req := addrReq("a", "c")
	req.Window = TimeWindow{Start: at(5)}
	res, err := tracer.Trace(ctx, req)
	require.NoError(t, err)
	require.Empty(t, res.Paths)

	req.Window = TimeWindow{Start: at(0), End: at(10)}
	res, err = tracer.Trace(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
}

// TestTraceRanking tests that stronger flows rank above weaker ones.
func TestTraceRanking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// A direct strong flow a->c and a weaker two hop flow via b.
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("c", 60_000), out("b", 40_000)),
		payment(2, 10, "b", out("c", 40_000)),
	)

	res, err := tracer.Trace(ctx, addrReq("a", "c"))
	require.NoError(t, err)
	require.Len(t, res.Paths, 2)

	require.Equal(t, []models.AddrID{"a", "c"},
		hopAddrs(res.Paths[0]))
	require.Equal(t, []models.AddrID{"a", "b", "c"},
		hopAddrs(res.Paths[1]))
	require.Greater(t, res.Paths[0].Weight, res.Paths[1].Weight)

	require.Equal(t, btcutil.Amount(60_000), res.Paths[0].Value)
	require.Equal(t, btcutil.Amount(40_000), res.Paths[1].Value)
}

// TestTraceFanoutCap tests that the branch cap drops the weakest
// candidates and flags truncation.
func TestTraceFanoutCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 60_000), out("c", 40_000)),
		payment(2, 10, "b", out("d", 60_000)),
		payment(3, 20, "c", out("d", 40_000)),
	)

	req := addrReq("a", "d")
	req.MaxBranch = 1
	res, err := tracer.Trace(ctx, req)
	require.NoError(t, err)

	// Only the strong branch through b survives the cap.
	require.True(t, res.Truncated)
	require.Len(t, res.Paths, 1)
	require.Equal(t, []models.AddrID{"a", "b", "d"},
		hopAddrs(res.Paths[0]))
}

// TestTraceHopBudget tests that paths longer than the requested hop cap
// are out of scope without counting as truncation.
func TestTraceHopBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
		payment(2, 10, "b", out("c", 100_000)),
		payment(3, 20, "c", out("d", 100_000)),
	)

	req := addrReq("a", "d")
	req.MaxHops = 2
	res, err := tracer.Trace(ctx, req)
	require.NoError(t, err)
	require.Empty(t, res.Paths)
	require.False(t, res.Truncated)

	req.MaxHops = 3
	res, err = tracer.Trace(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
}

// TestTraceEntityEndpoints tests that entity endpoints stand for all of
// their member addresses.
func TestTraceEntityEndpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, store := setupTracer(t,
		payment(1, 0, "m2", out("x", 100_000)),
		payment(2, 10, "y", out("m1", 50_000)),
	)

	entity := &models.Entity{
		ID:      models.NewEntityID("m1"),
		Members: []models.AddrID{"m1", "m2"},
	}
	require.NoError(t, store.UpsertEntity(ctx, entity))

	res, err := tracer.Trace(ctx, &Request{
		Source: entity.Node(),
		Dest:   models.AddrNode("x"),
	})
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
	require.Equal(t, []models.AddrID{"m2", "x"},
		hopAddrs(res.Paths[0]))

	// The entity also works as a destination.
	res, err = tracer.Trace(ctx, &Request{
		Source: models.AddrNode("y"),
		Dest:   entity.Node(),
	})
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
	require.Equal(t, []models.AddrID{"y", "m1"},
		hopAddrs(res.Paths[0]))
}

// TestTraceRoundTrip tests tracing an address back to itself through a
// time-respecting cycle.
func TestTraceRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
		payment(2, 10, "b", out("a", 90_000)),
	)

	res, err := tracer.Trace(ctx, addrReq("a", "a"))
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
	require.Equal(t, []models.AddrID{"a", "b", "a"},
		hopAddrs(res.Paths[0]))
	require.Equal(t, btcutil.Amount(90_000), res.Paths[0].Value)
}

// TestTraceUnknownEndpoint tests the not found surface for unknown
// endpoints.
func TestTraceUnknownEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
	)

	_, err := tracer.Trace(ctx, addrReq("ghost", "b"))
	require.ErrorIs(t, err, graph.ErrNotFound)

	_, err = tracer.Trace(ctx, addrReq("a", "ghost"))
	require.ErrorIs(t, err, graph.ErrNotFound)

	_, err = tracer.Trace(ctx, &Request{
		Source: models.EntityNode(models.NewEntityID("nobody")),
		Dest:   models.AddrNode("b"),
	})
	require.ErrorIs(t, err, graph.ErrNotFound)
}

// TestTraceCancellation tests that cancellation surfaces instead of a
// partial result.
func TestTraceCancellation(t *testing.T) {
	t.Parallel()

	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tracer.Trace(ctx, addrReq("a", "b"))
	require.ErrorIs(t, err, context.Canceled)
}

// TestTraceConfigValidation tests the limit sanity checks.
func TestTraceConfigValidation(t *testing.T) {
	t.Parallel()

	store := memstore.New()

	cfg := DefaultConfig(store)
	require.NoError(t, cfg.Validate())

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Store = nil },
		func(c *Config) { c.Decay = 0 },
		func(c *Config) { c.Decay = 1.5 },
		func(c *Config) { c.MaxHops = 0 },
		func(c *Config) { c.MaxBranch = -1 },
		func(c *Config) { c.MaxPaths = 0 },
		func(c *Config) { c.MaxVisited = 0 },
	} {
		broken := DefaultConfig(store)
		mutate(&broken)
		require.Error(t, broken.Validate())
	}
}

// TestShortestLink tests the direction agnostic connectivity chain.
func TestShortestLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracer, _ := setupTracer(t,
		payment(1, 0, "a", out("b", 100_000)),
		payment(2, 10, "c", out("b", 50_000)),
		payment(3, 20, "x", out("y", 10_000)),
	)

	// a and c are linked through b, against flow direction.
	chain, err := tracer.ShortestLink(ctx, "a", "c")
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"a", "b", "c"}, chain)

	chain, err = tracer.ShortestLink(ctx, "c", "a")
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"c", "b", "a"}, chain)

	chain, err = tracer.ShortestLink(ctx, "a", "a")
	require.NoError(t, err)
	require.Equal(t, []models.AddrID{"a"}, chain)

	// x/y live in a disconnected component.
	_, err = tracer.ShortestLink(ctx, "a", "y")
	require.ErrorIs(t, err, graph.ErrNotFound)

	_, err = tracer.ShortestLink(ctx, "a", "ghost")
	require.ErrorIs(t, err, graph.ErrNotFound)
}
