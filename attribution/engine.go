package attribution

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/multimutex"
)

// Config bundles the dependencies and knobs of the attribution engine.
type Config struct {
	// Store is the graph backend clusters are derived from and
	// written back to.
	Store graph.Store

	// Exclusion controls which transactions are withheld from the
	// common input ownership heuristic.
	Exclusion ExclusionConfig

	// Clock stamps generated entities. Defaults to the wall clock if
	// unset.
	Clock clock.Clock
}

// Engine derives entities from common input ownership. All addresses
// spent together in one transaction are assumed to share a controller,
// so the transitive closure of co-spending forms one entity per
// connected component. External intelligence labels act as a secondary
// heuristic on top: they type entities, veto merges across conflicting
// types, and surface labeled addresses that never co-spend.
type Engine struct {
	cfg Config

	filter *exclusionFilter

	// entityMtx serializes writes per entity id so that concurrent
	// runs cannot interleave partial updates of the same entity.
	entityMtx *multimutex.Mutex[models.EntityID]
}

// New validates the config and returns a ready attribution engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("attribution engine requires a store")
	}
	if err := cfg.Exclusion.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{
		cfg:       cfg,
		filter:    newExclusionFilter(cfg.Exclusion),
		entityMtx: multimutex.NewMutex[models.EntityID](),
	}, nil
}

// Result summarizes a completed attribution pass.
type Result struct {
	// TxsScanned is the number of transactions walked.
	TxsScanned int

	// TxsExcluded is the number of transactions withheld from
	// clustering by the exclusion predicate.
	TxsExcluded int

	// Entities is the number of entities written.
	Entities int

	// MergesRejected is the number of co-spend merges refused because
	// the stated categories of the two sides disagree.
	MergesRejected int

	// Conflicts is the number of entities flagged for carrying
	// contradictory labels.
	Conflicts int
}

// Run rebuilds entity attribution from the transactions currently in
// the store. The derivation only depends on graph content: entity ids
// come from the smallest member address and members are sorted, so
// re-running on an unchanged graph writes byte-identical entities.
//
// Externally labeled addresses act as hard constraints: a co-spend that
// would merge two components stating different categories is refused
// and the labeled addresses on both sides are flagged, rather than one
// label silently winning. Labeled addresses that never co-spend still
// materialize as single member entities of their stated type.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	labeled, stated, err := e.labeledAddresses(ctx)
	if err != nil {
		return nil, err
	}

	cl := newClusterer(stated)
	res := &Result{}

	err = e.cfg.Store.ForEachTransaction(
		ctx, func(tx *models.Transaction) error {
			res.TxsScanned++

			inputs := tx.InputAddrs()
			if len(inputs) < 2 {
				return nil
			}

			if skip, reason := e.filter.excludes(tx); skip {
				res.TxsExcluded++
				log.Tracef("Withholding tx %v from "+
					"clustering: %v", tx.TxID, reason)

				return nil
			}

			cl.add(inputs[0])
			for _, addr := range inputs[1:] {
				cl.add(addr)
				if cl.union(inputs[0], addr) {
					continue
				}

				res.MergesRejected++
				log.Debugf("Refusing to merge %v and %v "+
					"over tx %v: stated categories "+
					"disagree", inputs[0], addr, tx.TxID)
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	// Labeled addresses without any co-spend evidence still become
	// entities of their own.
	for _, addr := range labeled {
		cl.add(addr)
	}

	now := e.cfg.Clock.Now()
	for _, members := range cl.components() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entity, err := e.buildEntity(ctx, members, now)
		if err != nil {
			return nil, err
		}
		if cl.hasFlagged(members) {
			entity.Conflict = true
		}

		e.entityMtx.Lock(entity.ID)
		err = e.cfg.Store.UpsertEntity(ctx, entity)
		e.entityMtx.Unlock(entity.ID)
		if err != nil {
			return nil, err
		}

		res.Entities++
		if entity.Conflict {
			res.Conflicts++
		}
	}

	log.Infof("Attribution pass done: scanned=%v, excluded=%v, "+
		"entities=%v, rejectedMerges=%v, conflicts=%v, elapsed=%v",
		res.TxsScanned, res.TxsExcluded, res.Entities,
		res.MergesRejected, res.Conflicts, time.Since(start))

	return res, nil
}

// labeledAddresses enumerates every address carrying at least one
// external label, along with the most severe category its labels state.
// Addresses whose labels carry no category beyond unknown appear in the
// returned slice but not in the map.
func (e *Engine) labeledAddresses(
	ctx context.Context) ([]models.AddrID,
	map[models.AddrID]models.EntityCategory, error) {

	addrs, err := e.cfg.Store.SearchAddresses(ctx, "", 0)
	if err != nil {
		return nil, nil, err
	}

	var labeled []models.AddrID
	stated := make(map[models.AddrID]models.EntityCategory)
	for _, addr := range addrs {
		labels, err := e.cfg.Store.GetAddressLabels(ctx, addr)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			continue

		case err != nil:
			return nil, nil, err
		}
		if len(labels) == 0 {
			continue
		}

		labeled = append(labeled, addr)
		for _, label := range labels {
			if label.Category == models.CategoryUnknown {
				continue
			}
			if label.Category > stated[addr] {
				stated[addr] = label.Category
			}
		}
	}

	return labeled, stated, nil
}

// buildEntity folds the labels of all members into a single entity
// record. Disagreeing sources mark the entity as conflicted rather than
// silently picking a winner.
func (e *Engine) buildEntity(ctx context.Context,
	members []models.AddrID, now time.Time) (*models.Entity, error) {

	entity := &models.Entity{
		ID:          models.NewEntityID(members[0]),
		Members:     members,
		GeneratedAt: now,
	}

	names := make(map[string]struct{})
	categories := make(map[models.EntityCategory]struct{})
	for _, member := range members {
		labels, err := e.cfg.Store.GetAddressLabels(ctx, member)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			continue

		case err != nil:
			return nil, err
		}

		for _, label := range labels {
			names[label.Name] = struct{}{}
			if label.Category != models.CategoryUnknown {
				categories[label.Category] = struct{}{}
			}
		}
	}

	switch {
	case len(names) == 1:
		for name := range names {
			entity.Label = fn.Some(name)
		}

	case len(names) > 1:
		// Disagreeing sources leave the entity unnamed, the
		// flag tells investigators to look at the raw labels.
		entity.Conflict = true

		sorted := make([]string, 0, len(names))
		for name := range names {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)

		log.Debugf("Entity %v carries conflicting labels %v",
			entity.ID, sorted)
	}

	switch {
	case len(categories) == 1:
		for category := range categories {
			entity.Category = category
		}

	case len(categories) > 1:
		// On disagreement keep the most severe category.
		for category := range categories {
			if category > entity.Category {
				entity.Category = category
			}
		}
		entity.Conflict = true

		log.Debugf("Entity %v carries conflicting categories, "+
			"keeping %v", entity.ID, entity.Category)
	}

	return entity, nil
}
