package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/multimutex"
)

const (
	// DefaultDecay is the per-hop attenuation used when the caller
	// does not override it.
	DefaultDecay = 0.5

	// DefaultEpsilon is the contribution floor below which a path is
	// not worth following.
	DefaultEpsilon = 1e-6

	// DefaultMaxHops bounds how far taint travels from a seed.
	DefaultMaxHops = 12

	// DefaultTopK is the number of strongest seeds recorded per node
	// as provenance.
	DefaultTopK = 5
)

// Params are the propagation parameters of a scoring run.
type Params struct {
	// Decay is the multiplicative attenuation applied per hop. Must
	// lie in (0, 1].
	Decay float64

	// Epsilon is the contribution floor. A path whose contribution
	// falls below it is dropped instead of followed further.
	Epsilon float64

	// MaxHops caps the number of transaction hops a contribution may
	// travel from its seed.
	MaxHops int

	// TopK is the number of strongest seeds kept per node as
	// provenance.
	TopK int
}

// DefaultParams returns the propagation parameters used when the
// operator does not override them.
func DefaultParams() Params {
	return Params{
		Decay:   DefaultDecay,
		Epsilon: DefaultEpsilon,
		MaxHops: DefaultMaxHops,
		TopK:    DefaultTopK,
	}
}

// Validate rejects parameter combinations that would make a run diverge
// or mean nothing. Called before any traversal starts.
func (p *Params) Validate() error {
	if p.Decay <= 0 || p.Decay > 1 {
		return fmt.Errorf("decay must lie in (0, 1], got %v",
			p.Decay)
	}
	if p.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %v",
			p.Epsilon)
	}
	if p.MaxHops <= 0 {
		return fmt.Errorf("max hops must be positive, got %v",
			p.MaxHops)
	}
	if p.TopK <= 0 {
		return fmt.Errorf("top k must be positive, got %v", p.TopK)
	}

	return nil
}

// Config bundles the dependencies of the scoring engine.
type Config struct {
	// Store is the graph backend read during propagation and written
	// with the resulting scores.
	Store graph.Store

	// Params hold the propagation knobs.
	Params Params

	// Clock stamps computed scores. Defaults to the wall clock if
	// unset.
	Clock clock.Clock
}

// Engine propagates decayed taint mass from seed addresses through the
// transaction graph. Addresses attributed to an entity pool their mass:
// the entity is scored as one unit and taint reaching any member spreads
// through the outgoing transactions of all members.
type Engine struct {
	cfg Config

	// scoreMtx serializes score writes per node id.
	scoreMtx *multimutex.Mutex[models.NodeID]
}

// New validates the config and returns a ready scoring engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("scoring engine requires a store")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{
		cfg:      cfg,
		scoreMtx: multimutex.NewMutex[models.NodeID](),
	}, nil
}

// Result summarizes a completed scoring run.
type Result struct {
	// Seeds is the number of seed addresses the run started from.
	Seeds int

	// SeedsSkipped is the number of requested seeds unknown to the
	// graph.
	SeedsSkipped int

	// NodesScored is the number of units that received a score.
	NodesScored int

	// MassesExpanded is the number of pending mass entries the
	// traversal worked off.
	MassesExpanded int
}

// unit is a propagation unit, either a bare address or a whole entity
// with its member set resolved.
type unit struct {
	node    models.NodeID
	members []models.AddrID
}

// Run computes fresh risk scores for everything reachable from the
// given seed addresses and persists them. Traversal expands the largest
// pending contribution first and all iteration orders are total, so two
// runs over the same graph write bit-identical scores. Cancellation
// mid-traversal discards all partial state, nothing is written.
func (e *Engine) Run(ctx context.Context,
	seeds []models.AddrID) (*Result, error) {

	if len(seeds) == 0 {
		return nil, errors.New("scoring requires at least one seed")
	}

	start := time.Now()
	p := e.cfg.Params

	log.Infof("Scoring run starting: seeds=%v, decay=%v, epsilon=%v, "+
		"maxHops=%v", len(seeds), p.Decay, p.Epsilon, p.MaxHops)

	res := &Result{}
	units := make(map[models.NodeID]*unit)
	pending := newMassHeap()

	// Seed the heap with one full mass per distinct known seed. A
	// seed inside an entity taints the entity as a whole.
	seen := make(map[models.AddrID]struct{}, len(seeds))
	for _, seed := range seeds {
		if _, ok := seen[seed]; ok {
			continue
		}
		seen[seed] = struct{}{}

		u, err := e.resolveUnit(ctx, units, seed)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			log.Warnf("Skipping unknown seed address %v", seed)
			res.SeedsSkipped++

			continue

		case err != nil:
			return nil, err
		}

		res.Seeds++
		pending.add(massKey{unit: u.node, seed: seed, hop: 0}, 1)
	}
	if res.Seeds == 0 {
		return nil, errors.New("no seed address is known to the " +
			"graph")
	}

	// Work off pending masses, strongest contribution first. Each
	// pop settles one (unit, seed, hop) triple for good: anything
	// merging into the same triple later arrives over a path we have
	// not seen yet and simply forms a new entry.
	total := make(map[models.NodeID]float64)
	perSeed := make(map[models.NodeID]map[models.AddrID]float64)

	for {
		entry, ok := pending.next()
		if !ok {
			break
		}

		// Hop boundary, the single cancellation point of the
		// traversal.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res.MassesExpanded++

		u := units[entry.key.unit]
		total[u.node] += entry.mass
		shares, ok := perSeed[u.node]
		if !ok {
			shares = make(map[models.AddrID]float64)
			perSeed[u.node] = shares
		}
		shares[entry.key.seed] += entry.mass

		if entry.key.hop >= p.MaxHops {
			continue
		}

		err := e.expand(ctx, units, pending, u, entry)
		if err != nil {
			return nil, err
		}
	}

	// Persist the scores in node id order so that write sequence and
	// content are reproducible.
	nodes := make([]models.NodeID, 0, len(total))
	for node := range total {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Less(nodes[j])
	})

	now := e.cfg.Clock.Now()
	for _, node := range nodes {
		score := &models.RiskScore{
			Node:       node,
			Value:      min(1.0, total[node]),
			TopSeeds:   topSeeds(perSeed[node], p.TopK),
			ComputedAt: now,
		}

		e.scoreMtx.Lock(node)
		err := e.cfg.Store.WriteScore(ctx, score)
		e.scoreMtx.Unlock(node)
		if err != nil {
			return nil, err
		}

		res.NodesScored++
	}

	log.Infof("Scoring run done: seeds=%v, skipped=%v, scored=%v, "+
		"expanded=%v, elapsed=%v", res.Seeds, res.SeedsSkipped,
		res.NodesScored, res.MassesExpanded, time.Since(start))

	return res, nil
}

// expand spreads one popped mass entry through the outgoing
// transactions of its unit, charging one hop of decay.
func (e *Engine) expand(ctx context.Context, units map[models.NodeID]*unit,
	pending *massHeap, u *unit, entry pendingMass) error {

	txids, err := e.outgoingTxs(ctx, u)
	if err != nil {
		return err
	}

	for _, txid := range txids {
		tx, err := e.cfg.Store.GetTransaction(ctx, txid)
		if err != nil {
			return err
		}

		totalOut := tx.TotalOut()
		if totalOut <= 0 {
			continue
		}

		for _, out := range tx.Outputs {
			if out.Value <= 0 {
				continue
			}

			w, err := e.resolveUnit(ctx, units, out.Addr)
			if err != nil {
				return err
			}

			// Flows staying inside the unit are not hops,
			// the unit already holds this mass and its
			// onward spends are among the unit's own
			// outgoing transactions.
			if w.node == u.node {
				continue
			}

			share := float64(out.Value) / float64(totalOut)
			contribution := entry.mass * e.cfg.Params.Decay *
				share
			if contribution < e.cfg.Params.Epsilon {
				continue
			}

			pending.add(massKey{
				unit: w.node,
				seed: entry.key.seed,
				hop:  entry.key.hop + 1,
			}, contribution)
		}
	}

	return nil
}

// outgoingTxs collects the distinct transactions spending from any
// member of the unit, in time ascending order with the txid as
// tiebreak.
func (e *Engine) outgoingTxs(ctx context.Context,
	u *unit) ([]chainhash.Hash, error) {

	var edges []models.Edge
	dedup := make(map[chainhash.Hash]struct{})
	for _, member := range u.members {
		memberEdges, err := e.cfg.Store.GetOutEdges(ctx, member)
		if err != nil {
			return nil, err
		}

		for _, edge := range memberEdges {
			if _, ok := dedup[edge.TxID]; ok {
				continue
			}
			dedup[edge.TxID] = struct{}{}
			edges = append(edges, edge)
		}
	}
	models.SortEdges(edges)

	txids := make([]chainhash.Hash, len(edges))
	for i, edge := range edges {
		txids[i] = edge.TxID
	}

	return txids, nil
}

// resolveUnit maps an address to its propagation unit, memoizing the
// result for every member so that an entity is resolved once.
func (e *Engine) resolveUnit(ctx context.Context,
	units map[models.NodeID]*unit,
	addr models.AddrID) (*unit, error) {

	node := models.AddrNode(addr)
	if u, ok := units[node]; ok {
		return u, nil
	}

	entity, err := e.cfg.Store.GetEntityOf(ctx, addr)
	if err != nil {
		return nil, err
	}

	u := &unit{
		node:    node,
		members: []models.AddrID{addr},
	}
	entity.WhenSome(func(ent *models.Entity) {
		u = &unit{
			node:    ent.Node(),
			members: ent.Members,
		}
	})

	// Key the unit under its own node id and under every member so
	// that each entity is resolved against the store exactly once.
	units[node] = u
	units[u.node] = u
	for _, member := range u.members {
		units[models.AddrNode(member)] = u
	}

	return u, nil
}

// topSeeds ranks the per-seed shares of a node and keeps the k
// strongest, ties broken by seed id.
func topSeeds(shares map[models.AddrID]float64, k int) []models.SeedShare {
	ranked := make([]models.SeedShare, 0, len(shares))
	for seed, share := range shares {
		ranked = append(ranked, models.SeedShare{
			Seed:  seed,
			Share: share,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Share != ranked[j].Share {
			return ranked[i].Share > ranked[j].Share
		}

		return ranked[i].Seed < ranked[j].Seed
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	return ranked
}
