package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/tdutils"
)

// zeroHash is the all-zero txid, which no real transaction carries.
var zeroHash chainhash.Hash

// Config houses the ingestion policy knobs.
type Config struct {
	// Store is the graph the validated data lands in.
	Store graph.Store

	// AllowCoinbase permits transactions without inputs. When false
	// such transactions are rejected as malformed.
	AllowCoinbase bool
}

// Ingester validates transactions and labels before handing them to
// the store. Validation happens up front, a rejected item leaves no
// partial state behind. Re-delivery of identical content is a silent
// no-op so upstream pipelines may replay freely.
type Ingester struct {
	cfg Config
}

// New creates an Ingester over the given store.
func New(cfg Config) (*Ingester, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ingest: no store configured")
	}

	return &Ingester{cfg: cfg}, nil
}

// IngestTransaction validates a transaction and inserts it into the
// graph. The checks cover structure (ids, addresses, output presence),
// value sanity (no negative values, inputs cover outputs), and graph
// consistency (no spending of the future, no double spends).
func (i *Ingester) IngestTransaction(ctx context.Context,
	tx *models.Transaction) error {

	log.Tracef("Validating transaction: %v", tdutils.SpewLogClosure(tx))

	if err := i.checkStructure(tx); err != nil {
		return err
	}
	if err := i.checkFunding(ctx, tx); err != nil {
		return err
	}

	err := i.cfg.Store.InsertTransaction(ctx, tx)
	switch {
	case errors.Is(err, graph.ErrConflict):
		return newErr(ErrTxConflict,
			"tx %v conflicts with stored state", tx.TxID)

	case err != nil:
		return err
	}

	log.Debugf("Ingested tx %v with %d inputs and %d outputs",
		tx.TxID, len(tx.Inputs), len(tx.Outputs))

	return nil
}

// checkStructure runs the store-independent validation of a
// transaction.
func (i *Ingester) checkStructure(tx *models.Transaction) error {
	if tx == nil {
		return newErr(ErrMalformed, "nil transaction")
	}
	if tx.TxID == zeroHash {
		return newErr(ErrMalformed, "zero txid")
	}
	if tx.Time.IsZero() {
		return newErr(ErrMalformed, "tx %v has no timestamp",
			tx.TxID)
	}
	if len(tx.Outputs) == 0 {
		return newErr(ErrMalformed, "tx %v has no outputs", tx.TxID)
	}

	for idx, in := range tx.Inputs {
		if in.Addr == "" {
			return newErr(ErrMalformed,
				"tx %v input %d lacks an address",
				tx.TxID, idx)
		}
		if in.Value < 0 {
			return newErr(ErrNegativeValue,
				"tx %v input %d has value %v",
				tx.TxID, idx, in.Value)
		}
	}
	for idx, out := range tx.Outputs {
		if out.Addr == "" {
			return newErr(ErrMalformed,
				"tx %v output %d lacks an address",
				tx.TxID, idx)
		}
		if out.Value < 0 {
			return newErr(ErrNegativeValue,
				"tx %v output %d has value %v",
				tx.TxID, idx, out.Value)
		}
	}

	if tx.Coinbase() {
		if !i.cfg.AllowCoinbase {
			return newErr(ErrMalformed,
				"tx %v has no inputs", tx.TxID)
		}

		return nil
	}

	// Inputs must cover outputs, the difference is the fee and a
	// negative fee means value appeared out of nowhere.
	if tx.TotalIn() < tx.TotalOut() {
		return newErr(ErrConservation,
			"tx %v emits %v but only spends %v",
			tx.TxID, tx.TotalOut(), tx.TotalIn())
	}

	return nil
}

// checkFunding validates a transaction's inputs against the stored
// graph: provenance claims must match the funding outputs when those
// are known, funding may not postdate the spend, and outpoints may not
// be consumed twice.
func (i *Ingester) checkFunding(ctx context.Context,
	tx *models.Transaction) error {

	for idx, in := range tx.Inputs {
		funding, err := i.cfg.Store.GetTransaction(
			ctx, in.PrevOut.Hash,
		)
		switch {
		// Funding tx outside the ingested window, nothing to
		// cross-check against.
		case errors.Is(err, graph.ErrNotFound):

		case err != nil:
			return err

		default:
			if funding.Time.After(tx.Time) {
				return newErr(ErrTimeTravel,
					"tx %v at %v spends output of %v "+
						"created later at %v",
					tx.TxID, tx.Time, funding.TxID,
					funding.Time)
			}

			outIdx := int(in.PrevOut.Index)
			if outIdx >= len(funding.Outputs) {
				return newErr(ErrMalformed,
					"tx %v input %d references output "+
						"%d of %v which has only %d "+
						"outputs",
					tx.TxID, idx, outIdx, funding.TxID,
					len(funding.Outputs))
			}

			fundingOut := funding.Outputs[outIdx]
			if fundingOut.Addr != in.Addr ||
				fundingOut.Value != in.Value {

				return newErr(ErrMalformed,
					"tx %v input %d claims %v/%v but "+
						"funding output holds %v/%v",
					tx.TxID, idx, in.Addr, in.Value,
					fundingOut.Addr, fundingOut.Value)
			}
		}

		spender, err := i.cfg.Store.GetSpender(ctx, in.PrevOut)
		switch {
		case errors.Is(err, graph.ErrNotFound):

		case err != nil:
			return err

		case spender != tx.TxID:
			return newErr(ErrDoubleSpend,
				"outpoint %v already spent by %v",
				in.PrevOut, spender)
		}
	}

	return nil
}

// IngestAddressLabel validates and upserts an external attribution
// label.
func (i *Ingester) IngestAddressLabel(ctx context.Context,
	label *models.AddressLabel) error {

	if label == nil {
		return newErr(ErrMalformed, "nil label")
	}
	if label.Addr == "" {
		return newErr(ErrMalformed, "label lacks an address")
	}
	if label.Name == "" {
		return newErr(ErrMalformed, "label for %v lacks a name",
			label.Addr)
	}
	if label.Source == "" {
		return newErr(ErrMalformed, "label for %v lacks a source",
			label.Addr)
	}
	if !label.Category.Valid() {
		return newErr(ErrMalformed,
			"label for %v has invalid category %d",
			label.Addr, label.Category)
	}
	if label.Confidence < 0 || label.Confidence > 1 {
		return newErr(ErrMalformed,
			"label for %v has confidence %v outside [0, 1]",
			label.Addr, label.Confidence)
	}

	if err := i.cfg.Store.UpsertAddressLabel(ctx, label); err != nil {
		return err
	}

	log.Debugf("Ingested label %q for %v from source %v",
		label.Name, label.Addr, label.Source)

	return nil
}
