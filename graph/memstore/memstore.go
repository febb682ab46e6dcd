package memstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
)

// Option modifies the default behavior of the store.
type Option func(*Store)

// WithClock sets the clock used to stamp ingestion activity. Useful for
// deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Store is a fully in-memory implementation of the graph.Store
// interface. It keeps per-address edge lists pre-sorted in the
// canonical time order so that reads are cheap and deterministic. All
// reads hand out copies, callers can never mutate the store through a
// returned value.
type Store struct {
	mtx sync.RWMutex

	txs     map[chainhash.Hash]*models.Transaction
	txOrder []chainhash.Hash

	addrs    map[models.AddrID]*models.Address
	outEdges map[models.AddrID][]models.Edge
	inEdges  map[models.AddrID][]models.Edge
	spentBy  map[wire.OutPoint]chainhash.Hash

	labels map[models.AddrID]map[string]models.AddressLabel

	entities map[models.EntityID]*models.Entity
	memberOf map[models.AddrID]models.EntityID

	scores map[string]*models.RiskScore

	lastIngest time.Time
	clock      clock.Clock
}

// A compile time check to ensure Store implements the graph.Store
// interface.
var _ graph.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		txs:      make(map[chainhash.Hash]*models.Transaction),
		addrs:    make(map[models.AddrID]*models.Address),
		outEdges: make(map[models.AddrID][]models.Edge),
		inEdges:  make(map[models.AddrID][]models.Edge),
		spentBy:  make(map[wire.OutPoint]chainhash.Hash),
		labels:   make(map[models.AddrID]map[string]models.AddressLabel),
		entities: make(map[models.EntityID]*models.Entity),
		memberOf: make(map[models.AddrID]models.EntityID),
		scores:   make(map[string]*models.RiskScore),
		clock:    clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// InsertTransaction stores a transaction and indexes its edges.
// Identical re-inserts are no-ops, differing content under a known
// txid is rejected with graph.ErrConflict.
//
// NOTE: part of the graph.Store interface.
func (s *Store) InsertTransaction(_ context.Context,
	tx *models.Transaction) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if existing, ok := s.txs[tx.TxID]; ok {
		if existing.Equal(tx) {
			return nil
		}

		log.Warnf("Rejecting conflicting re-insert of tx %v",
			tx.TxID)

		return graph.ErrConflict
	}

	for _, in := range tx.Inputs {
		if spender, ok := s.spentBy[in.PrevOut]; ok &&
			spender != tx.TxID {

			log.Warnf("Outpoint %v already spent by %v",
				in.PrevOut, spender)

			return graph.ErrConflict
		}
	}

	stored := tx.Copy()
	s.txs[stored.TxID] = stored
	s.insertTxOrdered(stored)

	for _, in := range stored.Inputs {
		s.spentBy[in.PrevOut] = stored.TxID
	}

	// Index one out-edge per distinct input address carrying the sum
	// that address contributed, and one in-edge per distinct output
	// address carrying the sum it received.
	outValues := make(map[models.AddrID]btcutil.Amount)
	for _, in := range stored.Inputs {
		outValues[in.Addr] += in.Value
	}
	for addr, value := range outValues {
		s.insertEdgeOrdered(s.outEdges, addr, models.Edge{
			TxID:  stored.TxID,
			Time:  stored.Time,
			Value: value,
		})
	}

	inValues := make(map[models.AddrID]btcutil.Amount)
	for _, out := range stored.Outputs {
		inValues[out.Addr] += out.Value
	}
	for addr, value := range inValues {
		s.insertEdgeOrdered(s.inEdges, addr, models.Edge{
			TxID:  stored.TxID,
			Time:  stored.Time,
			Value: value,
		})
	}

	for _, addr := range stored.InputAddrs() {
		s.touchAddress(addr, stored.Time)
	}
	for _, addr := range stored.OutputAddrs() {
		s.touchAddress(addr, stored.Time)
	}

	s.lastIngest = s.clock.Now()

	return nil
}

// insertTxOrdered places the txid into the walk order slice, keyed by
// (time, txid) ascending.
func (s *Store) insertTxOrdered(tx *models.Transaction) {
	idx := sort.Search(len(s.txOrder), func(i int) bool {
		other := s.txs[s.txOrder[i]]
		if !other.Time.Equal(tx.Time) {
			return other.Time.After(tx.Time)
		}

		return bytes.Compare(other.TxID[:], tx.TxID[:]) >= 0
	})

	s.txOrder = append(s.txOrder, chainhash.Hash{})
	copy(s.txOrder[idx+1:], s.txOrder[idx:])
	s.txOrder[idx] = tx.TxID
}

// insertEdgeOrdered places an edge into an address's edge list, keyed
// by (time, txid) ascending.
func (s *Store) insertEdgeOrdered(index map[models.AddrID][]models.Edge,
	addr models.AddrID, edge models.Edge) {

	edges := index[addr]
	idx := sort.Search(len(edges), func(i int) bool {
		if !edges[i].Time.Equal(edge.Time) {
			return edges[i].Time.After(edge.Time)
		}

		return bytes.Compare(
			edges[i].TxID[:], edge.TxID[:],
		) >= 0
	})

	edges = append(edges, models.Edge{})
	copy(edges[idx+1:], edges[idx:])
	edges[idx] = edge
	index[addr] = edges
}

// touchAddress widens the activity window of an address, creating the
// record on first sight.
func (s *Store) touchAddress(addr models.AddrID, at time.Time) {
	record, ok := s.addrs[addr]
	if !ok {
		s.addrs[addr] = &models.Address{
			ID:        addr,
			FirstSeen: at,
			LastSeen:  at,
			TxCount:   1,
		}

		return
	}

	if at.Before(record.FirstSeen) {
		record.FirstSeen = at
	}
	if at.After(record.LastSeen) {
		record.LastSeen = at
	}
	record.TxCount++
}

// GetOutEdges returns the edges spending from the address in time
// order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetOutEdges(_ context.Context,
	addr models.AddrID) ([]models.Edge, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if _, ok := s.addrs[addr]; !ok {
		return nil, graph.ErrNotFound
	}

	return copyEdges(s.outEdges[addr]), nil
}

// GetInEdges returns the edges paying to the address in time order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetInEdges(_ context.Context,
	addr models.AddrID) ([]models.Edge, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if _, ok := s.addrs[addr]; !ok {
		return nil, graph.ErrNotFound
	}

	return copyEdges(s.inEdges[addr]), nil
}

// GetTransaction fetches a stored transaction by txid.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*models.Transaction, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	tx, ok := s.txs[txid]
	if !ok {
		return nil, graph.ErrNotFound
	}

	return tx.Copy(), nil
}

// GetSpender returns the txid that consumed the given outpoint.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetSpender(_ context.Context,
	out wire.OutPoint) (chainhash.Hash, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	spender, ok := s.spentBy[out]
	if !ok {
		return chainhash.Hash{}, graph.ErrNotFound
	}

	return spender, nil
}

// GetAddress fetches an address record.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetAddress(_ context.Context,
	addr models.AddrID) (*models.Address, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	record, ok := s.addrs[addr]
	if !ok {
		return nil, graph.ErrNotFound
	}

	recordCopy := *record

	return &recordCopy, nil
}

// GetEntity fetches an entity cluster by its id.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetEntity(_ context.Context,
	id models.EntityID) (*models.Entity, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	entity, ok := s.entities[id]
	if !ok {
		return nil, graph.ErrNotFound
	}

	return entity.Copy(), nil
}

// GetEntityOf resolves the entity of an address, None when the address
// is known but not attributed.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetEntityOf(_ context.Context,
	addr models.AddrID) (fn.Option[*models.Entity], error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if _, ok := s.addrs[addr]; !ok {
		return fn.None[*models.Entity](), graph.ErrNotFound
	}

	entityID, ok := s.memberOf[addr]
	if !ok {
		return fn.None[*models.Entity](), nil
	}

	entity, ok := s.entities[entityID]
	if !ok {
		return fn.None[*models.Entity](), nil
	}

	return fn.Some(entity.Copy()), nil
}

// UpsertEntity writes an entity and remaps the membership of its
// addresses.
//
// NOTE: part of the graph.Store interface.
func (s *Store) UpsertEntity(_ context.Context,
	entity *models.Entity) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Drop the membership links of a previous incarnation so that
	// shrunken clusters don't leave stale members behind.
	if old, ok := s.entities[entity.ID]; ok {
		for _, member := range old.Members {
			if s.memberOf[member] == entity.ID {
				delete(s.memberOf, member)
			}
		}
	}

	stored := entity.Copy()
	s.entities[stored.ID] = stored
	for _, member := range stored.Members {
		// A member stolen from another cluster shrinks that
		// cluster, and an emptied cluster disappears. This keeps
		// entity records consistent across cluster merges.
		if prev, ok := s.memberOf[member]; ok && prev != stored.ID {
			s.shrinkEntity(prev, member)
		}
		s.memberOf[member] = stored.ID

		// Entities may name members ahead of any chain activity,
		// the same way labels do. Make the address known so
		// lookups resolve.
		if _, ok := s.addrs[member]; !ok {
			s.addrs[member] = &models.Address{ID: member}
		}
	}

	return nil
}

// shrinkEntity removes a single member from a stored entity record,
// deleting the record once its last member is gone.
func (s *Store) shrinkEntity(id models.EntityID, member models.AddrID) {
	entity, ok := s.entities[id]
	if !ok {
		return
	}

	members := make([]models.AddrID, 0, len(entity.Members))
	for _, m := range entity.Members {
		if m != member {
			members = append(members, m)
		}
	}

	if len(members) == 0 {
		delete(s.entities, id)
		return
	}
	entity.Members = members
}

// GetScore fetches the stored risk score of a node.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetScore(_ context.Context,
	node models.NodeID) (*models.RiskScore, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	score, ok := s.scores[node.String()]
	if !ok {
		return nil, graph.ErrNotFound
	}

	return score.Copy(), nil
}

// WriteScore persists a risk score, replacing any previous one for the
// node.
//
// NOTE: part of the graph.Store interface.
func (s *Store) WriteScore(_ context.Context,
	score *models.RiskScore) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.scores[score.Node.String()] = score.Copy()

	return nil
}

// UpsertAddressLabel attaches an external label keyed by (address,
// source).
//
// NOTE: part of the graph.Store interface.
func (s *Store) UpsertAddressLabel(_ context.Context,
	label *models.AddressLabel) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	bySource, ok := s.labels[label.Addr]
	if !ok {
		bySource = make(map[string]models.AddressLabel)
		s.labels[label.Addr] = bySource
	}
	bySource[label.Source] = *label

	// Labels may arrive before the address shows up in any
	// transaction. Make the address known so lookups resolve.
	if _, ok := s.addrs[label.Addr]; !ok {
		s.addrs[label.Addr] = &models.Address{ID: label.Addr}
	}

	s.lastIngest = s.clock.Now()

	return nil
}

// GetAddressLabels returns an address's labels ordered by source.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetAddressLabels(_ context.Context,
	addr models.AddrID) ([]models.AddressLabel, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if _, ok := s.addrs[addr]; !ok {
		return nil, graph.ErrNotFound
	}

	bySource := s.labels[addr]
	labels := make([]models.AddressLabel, 0, len(bySource))
	for _, label := range bySource {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Source < labels[j].Source
	})

	return labels, nil
}

// ForEachTransaction walks all transactions in (time, txid) order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) ForEachTransaction(ctx context.Context,
	cb func(tx *models.Transaction) error) error {

	s.mtx.RLock()
	order := make([]chainhash.Hash, len(s.txOrder))
	copy(order, s.txOrder)
	s.mtx.RUnlock()

	for _, txid := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mtx.RLock()
		tx, ok := s.txs[txid]
		var txCopy *models.Transaction
		if ok {
			txCopy = tx.Copy()
		}
		s.mtx.RUnlock()

		if !ok {
			continue
		}
		if err := cb(txCopy); err != nil {
			return err
		}
	}

	return nil
}

// ForEachEntity walks all entities in id order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) ForEachEntity(ctx context.Context,
	cb func(entity *models.Entity) error) error {

	s.mtx.RLock()
	ids := make([]models.EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mtx.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mtx.RLock()
		entity, ok := s.entities[id]
		var entityCopy *models.Entity
		if ok {
			entityCopy = entity.Copy()
		}
		s.mtx.RUnlock()

		if !ok {
			continue
		}
		if err := cb(entityCopy); err != nil {
			return err
		}
	}

	return nil
}

// SearchAddresses returns up to limit address ids with the given
// prefix, ascending.
//
// NOTE: part of the graph.Store interface.
func (s *Store) SearchAddresses(_ context.Context, prefix string,
	limit int) ([]models.AddrID, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var matches []models.AddrID
	for addr := range s.addrs {
		if strings.HasPrefix(string(addr), prefix) {
			matches = append(matches, addr)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i] < matches[j]
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	return matches, nil
}

// Stats summarizes the store contents.
//
// NOTE: part of the graph.Store interface.
func (s *Store) Stats(_ context.Context) (*models.GraphStats, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var numLabels int64
	for _, bySource := range s.labels {
		numLabels += int64(len(bySource))
	}

	return &models.GraphStats{
		Addresses:    int64(len(s.addrs)),
		Transactions: int64(len(s.txs)),
		Entities:     int64(len(s.entities)),
		Labels:       numLabels,
		Scores:       int64(len(s.scores)),
		LastIngest:   s.lastIngest,
	}, nil
}

// Ping reports the store as always reachable.
//
// NOTE: part of the graph.Store interface.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

func copyEdges(edges []models.Edge) []models.Edge {
	edgesCopy := make([]models.Edge, len(edges))
	copy(edgesCopy, edges)

	return edgesCopy
}
