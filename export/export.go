package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
)

const (
	// DefaultMaxNodes caps the address and transaction nodes admitted
	// by one export.
	DefaultMaxNodes = 1_000

	// DefaultMaxHops is the expansion depth around the export roots.
	DefaultMaxHops = 3

	// fetchLimit bounds the concurrent edge fetches per frontier.
	fetchLimit = 8
)

// Config bundles the exporter's dependencies and default limits.
type Config struct {
	// Store is the graph backend the export reads from.
	Store graph.Store

	// MaxNodes caps the number of admitted address and transaction
	// nodes. Requests may ask for less, never for more.
	MaxNodes int

	// MaxHops is the expansion depth around the roots.
	MaxHops int
}

// DefaultConfig returns the exporter limits used when the operator does
// not override them.
func DefaultConfig(store graph.Store) Config {
	return Config{
		Store:    store,
		MaxNodes: DefaultMaxNodes,
		MaxHops:  DefaultMaxHops,
	}
}

// Validate rejects limit combinations under which no export could ever
// contain anything.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("exporter requires a store")
	}
	if c.MaxNodes <= 0 || c.MaxHops <= 0 {
		return fmt.Errorf("export limits must be positive, got "+
			"nodes=%v hops=%v", c.MaxNodes, c.MaxHops)
	}

	return nil
}

// Request describes a single export. Zero valued limits fall back to the
// exporter config, larger ones are clamped to it.
type Request struct {
	// Roots are the nodes the expansion starts from. An entity root
	// contributes all of its member addresses.
	Roots []models.NodeID

	// MaxNodes overrides the config node cap for this export.
	MaxNodes int

	// MaxHops overrides the config hop budget for this export.
	MaxHops int
}

// Exporter extracts bounded, self-contained neighborhoods of the graph
// for investigative handoff. The expansion is a breadth first walk from
// the roots. The node cap takes precedence over the hop budget, and a
// final closure pass completes the picture, so every exported
// transaction has all of its addresses in the export and every exported
// address carries its entity, labels and score.
type Exporter struct {
	cfg Config
}

// New validates the config and returns a ready exporter.
func New(cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Exporter{cfg: cfg}, nil
}

// export bundles the mutable state of a single Export call.
type export struct {
	exporter *Exporter

	maxNodes int
	maxHops  int

	addrs    map[models.AddrID]struct{}
	txs      map[chainhash.Hash]*models.Transaction
	entities map[models.EntityID]*models.Entity

	truncated bool
	capped    bool
}

// Export expands the neighborhood of the given roots and returns it as a
// self-contained subgraph. Truncated is set when the node cap or the hop
// budget stopped the expansion while reachable nodes remained.
func (e *Exporter) Export(ctx context.Context,
	req *Request) (*models.Subgraph, error) {

	if len(req.Roots) == 0 {
		return nil, errors.New("export requires at least one root")
	}

	run := &export{
		exporter: e,
		maxNodes: clampLimit(req.MaxNodes, e.cfg.MaxNodes),
		maxHops:  clampLimit(req.MaxHops, e.cfg.MaxHops),
		addrs:    make(map[models.AddrID]struct{}),
		txs:      make(map[chainhash.Hash]*models.Transaction),
		entities: make(map[models.EntityID]*models.Entity),
	}

	log.Debugf("Exporting %v root(s): maxNodes=%v, maxHops=%v",
		len(req.Roots), run.maxNodes, run.maxHops)

	frontier, err := run.admitRoots(ctx, req.Roots)
	if err != nil {
		return nil, err
	}

	for hop := 0; hop < run.maxHops && len(frontier) > 0; hop++ {
		// Hop boundary, the cancellation point of the expansion.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frontier, err = run.expand(ctx, frontier)
		if err != nil {
			return nil, err
		}
		if run.capped {
			break
		}
	}

	// A frontier left over at the hop budget only counts as truncation
	// if it still borders unexported transactions.
	if !run.truncated && len(frontier) > 0 {
		more, err := run.hasMore(ctx, frontier)
		if err != nil {
			return nil, err
		}
		run.truncated = more
	}

	sub, err := run.closure(ctx)
	if err != nil {
		return nil, err
	}

	log.Debugf("Export done: addrs=%v, txs=%v, entities=%v, "+
		"truncated=%v", len(sub.Addresses), len(sub.Transactions),
		len(sub.Entities), sub.Truncated)

	return sub, nil
}

// admitRoots resolves the requested roots into the initial address
// frontier. Entity roots are admitted as entity records and contribute
// every member address.
func (r *export) admitRoots(ctx context.Context,
	roots []models.NodeID) ([]models.AddrID, error) {

	store := r.exporter.cfg.Store

	sorted := make([]models.NodeID, len(roots))
	copy(sorted, roots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	var frontier []models.AddrID
	admit := func(addr models.AddrID) {
		if _, ok := r.addrs[addr]; ok {
			return
		}
		r.addrs[addr] = struct{}{}
		frontier = append(frontier, addr)
	}

	for _, root := range sorted {
		if root.Kind == models.NodeEntity {
			entity, err := store.GetEntity(
				ctx, models.EntityID(root.ID),
			)
			if err != nil {
				return nil, err
			}

			r.entities[entity.ID] = entity
			for _, member := range entity.Members {
				admit(member)
			}

			continue
		}

		addr := models.AddrID(root.ID)
		if _, err := store.GetAddress(ctx, addr); err != nil {
			return nil, err
		}
		admit(addr)
	}

	sort.Slice(frontier, func(i, j int) bool {
		return frontier[i] < frontier[j]
	})

	return frontier, nil
}

// expand admits the transactions adjacent to the frontier in time order
// and returns the newly reached addresses. When admitting a transaction
// would exceed the node cap the expansion stops, though the addresses of
// the last admitted transaction still come along, the same closing step
// overshoot the closure pass is allowed.
func (r *export) expand(ctx context.Context,
	frontier []models.AddrID) ([]models.AddrID, error) {

	edges, err := r.fetchEdges(ctx, frontier)
	if err != nil {
		return nil, err
	}

	// Candidate transactions across the whole frontier, deduplicated
	// and ordered by time with the txid as tiebreak, so admission
	// under the cap is deterministic.
	var candidates []models.Edge
	seen := make(map[chainhash.Hash]struct{})
	for _, addr := range frontier {
		for _, edge := range edges[addr] {
			if _, ok := r.txs[edge.TxID]; ok {
				continue
			}
			if _, ok := seen[edge.TxID]; ok {
				continue
			}
			seen[edge.TxID] = struct{}{}
			candidates = append(candidates, edge)
		}
	}
	models.SortEdges(candidates)

	var next []models.AddrID
	for _, cand := range candidates {
		if r.nodeCount() >= r.maxNodes {
			r.capped = true
			r.truncated = true
			break
		}

		tx, err := r.exporter.cfg.Store.GetTransaction(
			ctx, cand.TxID,
		)
		if err != nil {
			return nil, err
		}
		r.txs[tx.TxID] = tx

		for _, addr := range txAddrs(tx) {
			if _, ok := r.addrs[addr]; ok {
				continue
			}
			r.addrs[addr] = struct{}{}
			next = append(next, addr)
		}
	}

	sort.Slice(next, func(i, j int) bool {
		return next[i] < next[j]
	})

	return next, nil
}

// fetchEdges loads the in and out edges of every frontier address
// concurrently and returns them keyed by address, each slice time
// sorted.
func (r *export) fetchEdges(ctx context.Context,
	frontier []models.AddrID) (map[models.AddrID][]models.Edge, error) {

	var (
		mu    sync.Mutex
		edges = make(map[models.AddrID][]models.Edge, len(frontier))
	)

	store := r.exporter.cfg.Store

	eg := &errgroup.Group{}
	eg.SetLimit(fetchLimit)

	for _, addr := range frontier {
		eg.Go(func() error {
			out, err := store.GetOutEdges(ctx, addr)
			if err != nil {
				return err
			}
			in, err := store.GetInEdges(ctx, addr)
			if err != nil {
				return err
			}

			merged := append(out, in...)
			models.SortEdges(merged)

			mu.Lock()
			edges[addr] = merged
			mu.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return edges, nil
}

// hasMore reports whether any frontier address still borders a
// transaction outside the export, which tells hop budget exhaustion
// apart from natural completion.
func (r *export) hasMore(ctx context.Context,
	frontier []models.AddrID) (bool, error) {

	edges, err := r.fetchEdges(ctx, frontier)
	if err != nil {
		return false, err
	}

	for _, addr := range frontier {
		for _, edge := range edges[addr] {
			if _, ok := r.txs[edge.TxID]; !ok {
				return true, nil
			}
		}
	}

	return false, nil
}

// closure completes the admitted node set into a self-contained
// subgraph. Every transaction pulls in all of its addresses, and every
// address pulls in its record, entity, labels and score. This step may
// push past the node cap.
func (r *export) closure(ctx context.Context) (*models.Subgraph, error) {
	store := r.exporter.cfg.Store

	for _, tx := range r.txs {
		for _, addr := range txAddrs(tx) {
			r.addrs[addr] = struct{}{}
		}
	}

	addrs := make([]models.AddrID, 0, len(r.addrs))
	for addr := range r.addrs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i] < addrs[j]
	})

	sub := &models.Subgraph{Truncated: r.truncated}

	for _, addr := range addrs {
		record, err := store.GetAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		sub.Addresses = append(sub.Addresses, record)

		entityOpt, err := store.GetEntityOf(ctx, addr)
		if err != nil {
			return nil, err
		}
		entityOpt.WhenSome(func(entity *models.Entity) {
			r.entities[entity.ID] = entity
		})

		labels, err := store.GetAddressLabels(ctx, addr)
		if err != nil {
			return nil, err
		}
		sub.Labels = append(sub.Labels, labels...)

		if err := r.attachScore(
			ctx, sub, models.AddrNode(addr),
		); err != nil {
			return nil, err
		}
	}

	entityIDs := make([]models.EntityID, 0, len(r.entities))
	for id := range r.entities {
		entityIDs = append(entityIDs, id)
	}
	sort.Slice(entityIDs, func(i, j int) bool {
		return entityIDs[i] < entityIDs[j]
	})

	for _, id := range entityIDs {
		entity := r.entities[id]
		sub.Entities = append(sub.Entities, entity)

		if err := r.attachScore(
			ctx, sub, entity.Node(),
		); err != nil {
			return nil, err
		}
	}

	for _, tx := range r.txs {
		sub.Transactions = append(sub.Transactions, tx)
	}
	sort.Slice(sub.Transactions, func(i, j int) bool {
		a, b := sub.Transactions[i], sub.Transactions[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}

		return bytes.Compare(a.TxID[:], b.TxID[:]) < 0
	})

	sort.Slice(sub.Scores, func(i, j int) bool {
		return sub.Scores[i].Node.Less(sub.Scores[j].Node)
	})

	return sub, nil
}

// attachScore appends the node's stored score when one exists. Unscored
// nodes are simply absent.
func (r *export) attachScore(ctx context.Context, sub *models.Subgraph,
	node models.NodeID) error {

	score, err := r.exporter.cfg.Store.GetScore(ctx, node)
	switch {
	case err == nil:
		sub.Scores = append(sub.Scores, score)

	case errors.Is(err, graph.ErrNotFound):

	default:
		return err
	}

	return nil
}

// nodeCount is the admitted address and transaction count the cap is
// measured against.
func (r *export) nodeCount() int {
	return len(r.addrs) + len(r.txs)
}

// txAddrs returns a transaction's distinct input and output addresses.
func txAddrs(tx *models.Transaction) []models.AddrID {
	addrs := tx.InputAddrs()
	for _, addr := range tx.OutputAddrs() {
		addrs = append(addrs, addr)
	}

	return addrs
}

// clampLimit applies the request override against the configured hard
// cap.
func clampLimit(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}

	return requested
}
