package taintd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/taintlabs/taintd/attribution"
	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/ingest"
	"github.com/taintlabs/taintd/scoring"
	"github.com/taintlabs/taintd/tracer"
)

const (
	// DefaultRecomputeInterval is how often the engine checks whether
	// fresh ingests warrant a new attribution and scoring cycle.
	DefaultRecomputeInterval = 5 * time.Minute

	// jobQueueSize is the channel buffer of the job queue. The queue
	// itself is unbounded, the buffer only smooths bursts.
	jobQueueSize = 20
)

// ErrEngineShutdown is returned when an operation hits an engine that
// is shutting down or already stopped.
var ErrEngineShutdown = errors.New("analytics engine shutting down")

// Config bundles everything the engine needs. The store is the only
// mandatory field, zero valued knobs fall back to their defaults.
type Config struct {
	// Store is the graph backend shared by every subsystem.
	Store graph.Store

	// AllowCoinbase permits ingesting transactions without inputs.
	AllowCoinbase bool

	// Exclusion controls which transactions attribution withholds
	// from the common input ownership heuristic.
	Exclusion attribution.ExclusionConfig

	// Scoring is the parameter set of auto scheduled scoring runs.
	// Explicit RunScoring calls carry their own parameters.
	Scoring scoring.Params

	// Trace bounds flow traces. Its Store field is overwritten with
	// the engine store.
	Trace tracer.Config

	// Export bounds subgraph exports. Its Store field is overwritten
	// with the engine store.
	Export export.Config

	// RecomputeInterval is the period of the auto recompute check.
	RecomputeInterval time.Duration

	// RecomputeTicker overrides the interval ticker. Tests use a
	// force ticker to drive cycles deterministically.
	RecomputeTicker ticker.Ticker

	// Clock stamps generated entities and scores. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// DefaultConfig returns a config with every knob at its default over
// the given store.
func DefaultConfig(store graph.Store) Config {
	return Config{
		Store:             store,
		Exclusion:         attribution.DefaultExclusionConfig(),
		Scoring:           scoring.DefaultParams(),
		Trace:             tracer.DefaultConfig(store),
		Export:            export.DefaultConfig(store),
		RecomputeInterval: DefaultRecomputeInterval,
	}
}

// Engine ties the analytics subsystems together over one shared graph
// store. It accepts ingests, answers queries and schedules the batch
// recomputes that keep entity attribution and risk scores fresh.
type Engine struct {
	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	// ingests counts accepted writes since the last recompute cycle.
	ingests uint64 // To be used atomically.

	// nextJobID hands out job ids in enqueue order.
	nextJobID uint64 // To be used atomically.

	cfg Config

	ingester   *ingest.Ingester
	attributor *attribution.Engine
	tracer     *tracer.Tracer
	exporter   *export.Exporter

	// jobQueue feeds the job loop. Jobs run one at a time in enqueue
	// order, which is what lets a scoring job observe the attribution
	// pass scheduled before it.
	jobQueue *queue.ConcurrentQueue

	// pending tracks jobs that have not reached a terminal state,
	// keyed by id, so shutdown can fail them instead of leaving
	// waiters hanging.
	jobMtx  sync.Mutex
	pending map[uint64]*Job

	// cancel tears down the context handed to the background loops.
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewEngine validates the config, wires up the subsystems and returns
// an engine ready to be started.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = DefaultRecomputeInterval
	}
	if cfg.RecomputeTicker == nil {
		cfg.RecomputeTicker = ticker.New(cfg.RecomputeInterval)
	}

	// Every subsystem operates on the one shared store.
	cfg.Trace.Store = cfg.Store
	cfg.Export.Store = cfg.Store

	if err := cfg.Scoring.Validate(); err != nil {
		return nil, err
	}

	ingester, err := ingest.New(ingest.Config{
		Store:         cfg.Store,
		AllowCoinbase: cfg.AllowCoinbase,
	})
	if err != nil {
		return nil, err
	}

	attributor, err := attribution.New(attribution.Config{
		Store:     cfg.Store,
		Exclusion: cfg.Exclusion,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	flowTracer, err := tracer.New(cfg.Trace)
	if err != nil {
		return nil, err
	}

	exporter, err := export.New(cfg.Export)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		ingester:   ingester,
		attributor: attributor,
		tracer:     flowTracer,
		exporter:   exporter,
		jobQueue:   queue.NewConcurrentQueue(jobQueueSize),
		pending:    make(map[uint64]*Job),
		quit:       make(chan struct{}),
	}

	// The queue accepts jobs as soon as the engine exists, they just
	// sit until Start brings up the loop that executes them.
	e.jobQueue.Start()

	return e, nil
}

// Start launches the job loop and the auto recompute cycle.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapUint32(&e.started, 0, 1) {
		return nil
	}

	log.Infof("Analytics engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.jobLoop(ctx)
	go e.recomputeLoop(ctx)

	return nil
}

// Stop signals all background loops to exit and waits for them. Jobs
// that never got to run are failed with ErrEngineShutdown so their
// waiters unblock.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapUint32(&e.stopped, 0, 1) {
		return nil
	}

	log.Infof("Analytics engine shutting down")

	close(e.quit)
	if e.cancel != nil {
		e.cancel()
	}
	e.cfg.RecomputeTicker.Stop()
	e.jobQueue.Stop()
	e.wg.Wait()

	e.jobMtx.Lock()
	for id, job := range e.pending {
		delete(e.pending, id)
		job.fail(ErrEngineShutdown)
	}
	e.jobMtx.Unlock()

	log.Debugf("Analytics engine shutdown complete")

	return nil
}

// IngestTransaction validates a transaction and adds it to the graph.
// An accepted write marks the graph dirty for the next recompute
// cycle.
func (e *Engine) IngestTransaction(ctx context.Context,
	tx *models.Transaction) error {

	if err := e.ingester.IngestTransaction(ctx, tx); err != nil {
		return err
	}
	atomic.AddUint64(&e.ingests, 1)

	return nil
}

// IngestAddressLabel validates a label and attaches it to an address.
// An accepted write marks the graph dirty for the next recompute
// cycle.
func (e *Engine) IngestAddressLabel(ctx context.Context,
	label *models.AddressLabel) error {

	if err := e.ingester.IngestAddressLabel(ctx, label); err != nil {
		return err
	}
	atomic.AddUint64(&e.ingests, 1)

	return nil
}

// ScoreOf returns the current risk score of a node. Scores live at
// unit granularity: an address attributed to an entity is scored
// through its entity, so the lookup resolves membership first.
func (e *Engine) ScoreOf(ctx context.Context,
	node models.NodeID) (*models.RiskScore, error) {

	unit := node
	if node.Kind == models.NodeAddress {
		entity, err := e.cfg.Store.GetEntityOf(
			ctx, models.AddrID(node.ID),
		)
		if err != nil {
			return nil, err
		}
		entity.WhenSome(func(ent *models.Entity) {
			unit = ent.Node()
		})
	}

	return e.cfg.Store.GetScore(ctx, unit)
}

// AttributionOf returns the entity an address is clustered into.
// graph.ErrNotFound covers both unknown and unattributed addresses.
func (e *Engine) AttributionOf(ctx context.Context,
	addr models.AddrID) (*models.Entity, error) {

	entity, err := e.cfg.Store.GetEntityOf(ctx, addr)
	if err != nil {
		return nil, err
	}

	ent := entity.UnwrapOr(nil)
	if ent == nil {
		return nil, fmt.Errorf("%w: address %v is not attributed",
			graph.ErrNotFound, addr)
	}

	return ent, nil
}

// Trace enumerates plausible flow paths between the endpoints of the
// request, strongest flow first.
func (e *Engine) Trace(ctx context.Context,
	req *tracer.Request) (*tracer.Result, error) {

	return e.tracer.Trace(ctx, req)
}

// ShortestLink finds the shortest co-occurrence chain connecting two
// addresses, ignoring flow direction and time.
func (e *Engine) ShortestLink(ctx context.Context, a,
	b models.AddrID) ([]models.AddrID, error) {

	return e.tracer.ShortestLink(ctx, a, b)
}

// ExportSubgraph materializes the neighborhood of the requested roots
// as a self contained subgraph.
func (e *Engine) ExportSubgraph(ctx context.Context,
	req *export.Request) (*models.Subgraph, error) {

	return e.exporter.Export(ctx, req)
}

// Stats summarizes the store contents.
func (e *Engine) Stats(ctx context.Context) (*models.GraphStats, error) {
	return e.cfg.Store.Stats(ctx)
}

// SearchAddresses returns up to limit known addresses with the given
// prefix, sorted ascending.
func (e *Engine) SearchAddresses(ctx context.Context, prefix string,
	limit int) ([]models.AddrID, error) {

	return e.cfg.Store.SearchAddresses(ctx, prefix, limit)
}
