package neostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
)

// Config holds the connection settings of the Neo4j backend.
type Config struct {
	// URI is the bolt/neo4j scheme target, e.g. neo4j://localhost:7687.
	URI string

	// User and Password authenticate against the server. An empty user
	// disables authentication.
	User     string
	Password string

	// Database selects the server side database, empty for the server
	// default.
	Database string

	// Clock stamps ingestion activity. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the connection settings.
func (c *Config) Validate() error {
	if c.URI == "" {
		return errors.New("neostore requires a connection URI")
	}

	return nil
}

// Store is the Neo4j backed implementation of the graph.Store interface.
// Reads run through the driver's eager query API with reader routing,
// multi-statement writes run in a single managed transaction so an
// upsert is atomic. Backend failures surface as
// graph.ErrStoreUnavailable wrapping the driver cause, without internal
// retries.
type Store struct {
	cfg    Config
	driver neo4j.DriverWithContext
}

// A compile time check to ensure Store implements the graph.Store
// interface.
var _ graph.Store = (*Store)(nil)

// New connects to the backend and verifies connectivity before
// returning the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w",
			graph.ErrStoreUnavailable, err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w",
			graph.ErrStoreUnavailable, err)
	}

	log.Infof("Connected to graph database at %v", cfg.URI)

	return &Store{cfg: cfg, driver: driver}, nil
}

// Close releases the underlying driver and its connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// InitSchema creates the uniqueness constraints the upsert statements
// rely on. Safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return err
		}
	}

	log.Debugf("Graph schema constraints ensured")

	return nil
}

// read runs a single read statement and returns the eager result rows.
func (s *Store) read(ctx context.Context, query string,
	params map[string]any) ([]map[string]any, error) {

	result, err := neo4j.ExecuteQuery(
		ctx, s.driver, query, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.cfg.Database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, wrapDriverErr(err)
	}

	rows := make([]map[string]any, len(result.Records))
	for i, record := range result.Records {
		rows[i] = record.AsMap()
	}

	return rows, nil
}

// write runs a single write statement.
func (s *Store) write(ctx context.Context, query string,
	params map[string]any) ([]map[string]any, error) {

	result, err := neo4j.ExecuteQuery(
		ctx, s.driver, query, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.cfg.Database),
	)
	if err != nil {
		return nil, wrapDriverErr(err)
	}

	rows := make([]map[string]any, len(result.Records))
	for i, record := range result.Records {
		rows[i] = record.AsMap()
	}

	return rows, nil
}

// GetOutEdges returns the edges spending from the address in time
// order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetOutEdges(ctx context.Context,
	addr models.AddrID) ([]models.Edge, error) {

	return s.edgeQuery(ctx, getOutEdgesQuery, addr)
}

// GetInEdges returns the edges paying to the address in time order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetInEdges(ctx context.Context,
	addr models.AddrID) ([]models.Edge, error) {

	return s.edgeQuery(ctx, getInEdgesQuery, addr)
}

func (s *Store) edgeQuery(ctx context.Context, query string,
	addr models.AddrID) ([]models.Edge, error) {

	rows, err := s.read(ctx, query, map[string]any{
		"addr": string(addr),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	edges := make([]models.Edge, 0, len(rows))
	for _, row := range rows {
		edge, ok, err := edgeFromMap(row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		edges = append(edges, edge)
	}

	return edges, nil
}

// GetTransaction fetches a stored transaction by txid.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*models.Transaction, error) {

	rows, err := s.read(ctx, getTransactionQuery, map[string]any{
		"txid": txid.String(),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	return txFromMap(rows[0])
}

// GetSpender returns the txid that consumed the given outpoint.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetSpender(ctx context.Context,
	out wire.OutPoint) (chainhash.Hash, error) {

	rows, err := s.read(ctx, getSpenderQuery, map[string]any{
		"prevTx":  out.Hash.String(),
		"prevIdx": int64(out.Index),
	})
	if err != nil {
		return chainhash.Hash{}, err
	}
	if len(rows) == 0 {
		return chainhash.Hash{}, graph.ErrNotFound
	}

	spender, ok := rows[0]["spender"].(string)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("spender row lacks "+
			"txid: %v", rows[0])
	}
	hash, err := chainhash.NewHashFromStr(spender)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("bad spender txid "+
			"%q: %w", spender, err)
	}

	return *hash, nil
}

// GetAddress fetches an address record.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetAddress(ctx context.Context,
	addr models.AddrID) (*models.Address, error) {

	rows, err := s.read(ctx, getAddressQuery, map[string]any{
		"addr": string(addr),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	return addressFromMap(rows[0])
}

// GetEntity fetches an entity cluster by its id.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetEntity(ctx context.Context,
	id models.EntityID) (*models.Entity, error) {

	rows, err := s.read(ctx, getEntityQuery, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	entity, ok, err := entityFromMap(rows[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, graph.ErrNotFound
	}

	return entity, nil
}

// GetEntityOf resolves the entity of an address, None when the address
// is known but not attributed.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetEntityOf(ctx context.Context,
	addr models.AddrID) (fn.Option[*models.Entity], error) {

	none := fn.None[*models.Entity]()

	rows, err := s.read(ctx, getEntityOfQuery, map[string]any{
		"addr": string(addr),
	})
	if err != nil {
		return none, err
	}
	if len(rows) == 0 {
		return none, graph.ErrNotFound
	}

	entity, ok, err := entityFromMap(rows[0])
	if err != nil {
		return none, err
	}
	if !ok {
		return none, nil
	}

	return fn.Some(entity), nil
}

// UpsertEntity writes an entity and remaps the membership of its
// addresses in one transaction.
//
// NOTE: part of the graph.Store interface.
func (s *Store) UpsertEntity(ctx context.Context,
	entity *models.Entity) error {

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx,
		func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(
				ctx, upsertEntityQuery, entityParams(entity),
			)
			if err != nil {
				return nil, err
			}

			_, err = tx.Run(ctx, reapOrphanEntitiesQuery, nil)

			return nil, err
		},
	)
	if err != nil {
		return wrapDriverErr(err)
	}

	return nil
}

// GetScore fetches the stored risk score of a node.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetScore(ctx context.Context,
	node models.NodeID) (*models.RiskScore, error) {

	rows, err := s.read(ctx, getScoreQuery, map[string]any{
		"node": node.String(),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	return scoreFromMap(rows[0])
}

// WriteScore persists a risk score, replacing any previous one for the
// node.
//
// NOTE: part of the graph.Store interface.
func (s *Store) WriteScore(ctx context.Context,
	score *models.RiskScore) error {

	_, err := s.write(ctx, writeScoreQuery, scoreParams(score))

	return err
}

// InsertTransaction stores a transaction and its relationships in one
// write transaction. Identical re-inserts are no-ops, differing content
// under a known txid or a double spend is rejected with
// graph.ErrConflict.
//
// NOTE: part of the graph.Store interface.
func (s *Store) InsertTransaction(ctx context.Context,
	tx *models.Transaction) error {

	params := txParams(tx)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx,
		func(mtx neo4j.ManagedTransaction) (any, error) {
			existing, err := s.runTxQuery(
				ctx, mtx, getTransactionQuery,
				map[string]any{"txid": params["txid"]},
			)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				if existing.Equal(tx) {
					return nil, nil
				}

				log.Warnf("Rejecting conflicting re-insert "+
					"of tx %v", tx.TxID)

				return nil, graph.ErrConflict
			}

			spent, err := s.runHasRows(
				ctx, mtx, checkSpendsQuery, map[string]any{
					"txid":     params["txid"],
					"prevouts": params["prevouts"],
				},
			)
			if err != nil {
				return nil, err
			}
			if spent {
				log.Warnf("Rejecting double spend in tx %v",
					tx.TxID)

				return nil, graph.ErrConflict
			}

			for _, stmt := range []string{
				createTxQuery, createInputsQuery,
				createOutputsQuery, touchAddressesQuery,
			} {
				if _, err := mtx.Run(
					ctx, stmt, params,
				); err != nil {
					return nil, err
				}
			}

			_, err = mtx.Run(ctx, touchMetaQuery, map[string]any{
				"now": s.cfg.Clock.Now().UnixNano(),
			})

			return nil, err
		},
	)
	if err != nil {
		return wrapDriverErr(err)
	}

	return nil
}

// runTxQuery runs a transaction fetch inside a managed transaction and
// decodes the single row, nil when there is none.
func (s *Store) runTxQuery(ctx context.Context,
	mtx neo4j.ManagedTransaction, query string,
	params map[string]any) (*models.Transaction, error) {

	result, err := mtx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}

	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	return txFromMap(records[0].AsMap())
}

// runHasRows reports whether a statement returned at least one row.
func (s *Store) runHasRows(ctx context.Context,
	mtx neo4j.ManagedTransaction, query string,
	params map[string]any) (bool, error) {

	result, err := mtx.Run(ctx, query, params)
	if err != nil {
		return false, err
	}

	has := result.Next(ctx)
	if err := result.Err(); err != nil {
		return false, err
	}

	return has, nil
}

// UpsertAddressLabel attaches an external label keyed by (address,
// source).
//
// NOTE: part of the graph.Store interface.
func (s *Store) UpsertAddressLabel(ctx context.Context,
	label *models.AddressLabel) error {

	_, err := s.write(
		ctx, upsertLabelQuery,
		labelParams(label, s.cfg.Clock.Now()),
	)

	return err
}

// GetAddressLabels returns an address's labels ordered by source.
//
// NOTE: part of the graph.Store interface.
func (s *Store) GetAddressLabels(ctx context.Context,
	addr models.AddrID) ([]models.AddressLabel, error) {

	rows, err := s.read(ctx, getAddressLabelsQuery, map[string]any{
		"addr": string(addr),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, graph.ErrNotFound
	}

	labels := make([]models.AddressLabel, 0, len(rows))
	for _, row := range rows {
		label, ok, err := labelFromMap(addr, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		labels = append(labels, label)
	}

	return labels, nil
}

// ForEachTransaction streams all transactions in (time, txid) order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) ForEachTransaction(ctx context.Context,
	cb func(tx *models.Transaction) error) error {

	return s.stream(ctx, forEachTransactionQuery,
		func(row map[string]any) error {
			tx, err := txFromMap(row)
			if err != nil {
				return err
			}

			return cb(tx)
		},
	)
}

// ForEachEntity streams all entities in id order.
//
// NOTE: part of the graph.Store interface.
func (s *Store) ForEachEntity(ctx context.Context,
	cb func(entity *models.Entity) error) error {

	return s.stream(ctx, forEachEntityQuery,
		func(row map[string]any) error {
			entity, ok, err := entityFromMap(row)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			return cb(entity)
		},
	)
}

// stream lazily iterates a read query's rows, invoking the callback per
// row. Callback errors abort the iteration and surface unchanged.
func (s *Store) stream(ctx context.Context, query string,
	cb func(row map[string]any) error) error {

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return wrapDriverErr(err)
	}

	for result.Next(ctx) {
		if err := cb(result.Record().AsMap()); err != nil {
			return err
		}
	}
	if err := result.Err(); err != nil {
		return wrapDriverErr(err)
	}

	return nil
}

// SearchAddresses returns up to limit address ids with the given
// prefix, ascending.
//
// NOTE: part of the graph.Store interface.
func (s *Store) SearchAddresses(ctx context.Context, prefix string,
	limit int) ([]models.AddrID, error) {

	query := searchAddressesQuery
	params := map[string]any{
		"prefix": prefix,
		"limit":  int64(limit),
	}
	if limit <= 0 {
		query = searchAddressesAllQuery
		delete(params, "limit")
	}

	rows, err := s.read(ctx, query, params)
	if err != nil {
		return nil, err
	}

	matches := make([]models.AddrID, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			matches = append(matches, models.AddrID(id))
		}
	}

	return matches, nil
}

// Stats summarizes the store contents.
//
// NOTE: part of the graph.Store interface.
func (s *Store) Stats(ctx context.Context) (*models.GraphStats, error) {
	rows, err := s.read(ctx, statsQuery, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &models.GraphStats{}, nil
	}

	return statsFromMap(rows[0])
}

// Ping verifies that the backend is reachable.
//
// NOTE: part of the graph.Store interface.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %w", graph.ErrStoreUnavailable, err)
	}

	return nil
}

// wrapDriverErr maps backend failures to graph.ErrStoreUnavailable
// while letting the store's own sentinel errors pass through.
func wrapDriverErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, graph.ErrNotFound) ||
		errors.Is(err, graph.ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {

		return err
	}

	return fmt.Errorf("%w: %w", graph.ErrStoreUnavailable, err)
}
