package graph

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/taintlabs/taintd/graph/models"
)

// Store is the typed adapter over the transaction graph database. The
// engines above it never speak the backend's query language, they only
// see domain types.
//
// All multi-row reads return their rows in time ascending order with
// the txid as tiebreak. Implementations map backend failures to
// ErrStoreUnavailable (wrapping the cause) and unknown ids to
// ErrNotFound, and they perform no internal retries.
//
//nolint:interfacebloat
type Store interface {
	// GetOutEdges returns the edges for transactions that spend
	// from the given address, meaning funds leaving it.
	GetOutEdges(ctx context.Context,
		addr models.AddrID) ([]models.Edge, error)

	// GetInEdges returns the edges for transactions that pay to the
	// given address, meaning funds arriving at it.
	GetInEdges(ctx context.Context,
		addr models.AddrID) ([]models.Edge, error)

	// GetTransaction fetches a transaction with all inputs and
	// outputs resolved.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*models.Transaction, error)

	// GetSpender returns the txid of the stored transaction that
	// consumed the given outpoint, or ErrNotFound when it is
	// unspent as far as the store knows.
	GetSpender(ctx context.Context,
		out wire.OutPoint) (chainhash.Hash, error)

	// GetAddress fetches an address node and its activity window.
	GetAddress(ctx context.Context,
		addr models.AddrID) (*models.Address, error)

	// GetEntity fetches an entity cluster by its id.
	GetEntity(ctx context.Context,
		id models.EntityID) (*models.Entity, error)

	// GetEntityOf resolves the entity an address belongs to. It
	// returns None for a known but unattributed address and
	// ErrNotFound for an unknown one.
	GetEntityOf(ctx context.Context,
		addr models.AddrID) (fn.Option[*models.Entity], error)

	// UpsertEntity writes an entity cluster, replacing any previous
	// cluster with the same id and remapping the membership of all
	// listed addresses.
	UpsertEntity(ctx context.Context, entity *models.Entity) error

	// GetScore fetches the last computed risk score of a node.
	GetScore(ctx context.Context,
		node models.NodeID) (*models.RiskScore, error)

	// WriteScore persists a computed risk score, replacing any
	// previous score for the same node.
	WriteScore(ctx context.Context, score *models.RiskScore) error

	// InsertTransaction stores a transaction keyed by its txid and
	// indexes its edges. Re-inserting identical content is a no-op,
	// differing content under the same txid is ErrConflict.
	InsertTransaction(ctx context.Context,
		tx *models.Transaction) error

	// UpsertAddressLabel attaches an external label to an address,
	// keyed by (address, source).
	UpsertAddressLabel(ctx context.Context,
		label *models.AddressLabel) error

	// GetAddressLabels returns the labels attached to an address,
	// ordered by source for determinism. A known address without
	// labels yields an empty slice.
	GetAddressLabels(ctx context.Context,
		addr models.AddrID) ([]models.AddressLabel, error)

	// ForEachTransaction walks every stored transaction in time
	// ascending order. Returning an error from the callback aborts
	// the walk and surfaces that error.
	ForEachTransaction(ctx context.Context,
		cb func(tx *models.Transaction) error) error

	// ForEachEntity walks every stored entity in id order.
	ForEachEntity(ctx context.Context,
		cb func(entity *models.Entity) error) error

	// SearchAddresses returns up to limit known address ids with
	// the given prefix, sorted ascending.
	SearchAddresses(ctx context.Context, prefix string,
		limit int) ([]models.AddrID, error)

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (*models.GraphStats, error)

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error
}
