package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/taintlabs/taintd"
	"github.com/taintlabs/taintd/graph/models"
)

// maxDumpLineSize bounds a single dump line. Transactions with huge
// input or output sets stay well below this.
const maxDumpLineSize = 1024 * 1024

// dumpTxIn is one input of a dumped transaction. The prevout fields tie
// the input to its funding output, which is what makes double spends
// detectable.
type dumpTxIn struct {
	Addr      string `json:"addr"`
	Value     int64  `json:"value"`
	PrevTxID  string `json:"prev_txid"`
	PrevIndex uint32 `json:"prev_index"`
}

// dumpTxOut is one output of a dumped transaction.
type dumpTxOut struct {
	Addr  string `json:"addr"`
	Value int64  `json:"value"`
}

// dumpTx is one line of a transaction dump: a fully resolved confirmed
// transaction with values in satoshis and the timestamp in unix
// seconds.
type dumpTx struct {
	TxID    string      `json:"txid"`
	Time    int64       `json:"time"`
	Inputs  []dumpTxIn  `json:"inputs"`
	Outputs []dumpTxOut `json:"outputs"`
}

// transaction converts the dump record into the graph model.
func (d *dumpTx) transaction() (*models.Transaction, error) {
	txid, err := chainhash.NewHashFromStr(d.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", d.TxID, err)
	}

	tx := &models.Transaction{
		TxID: *txid,
		Time: time.Unix(d.Time, 0).UTC(),
	}
	for idx, in := range d.Inputs {
		if in.PrevTxID == "" {
			return nil, fmt.Errorf("input %d lacks prev_txid", idx)
		}
		prev, err := chainhash.NewHashFromStr(in.PrevTxID)
		if err != nil {
			return nil, fmt.Errorf("input %d: bad prev_txid "+
				"%q: %w", idx, in.PrevTxID, err)
		}

		tx.Inputs = append(tx.Inputs, models.TxIn{
			PrevOut: wire.OutPoint{
				Hash:  *prev,
				Index: in.PrevIndex,
			},
			Addr:  models.AddrID(in.Addr),
			Value: btcutil.Amount(in.Value),
		})
	}
	for _, out := range d.Outputs {
		tx.Outputs = append(tx.Outputs, models.TxOut{
			Addr:  models.AddrID(out.Addr),
			Value: btcutil.Amount(out.Value),
		})
	}

	return tx, nil
}

// dumpLabel is one line of an address label dump.
type dumpLabel struct {
	Addr       string  `json:"addr"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// label converts the dump record into the graph model.
func (d *dumpLabel) label() (*models.AddressLabel, error) {
	category, err := models.ParseCategory(d.Category)
	if err != nil {
		return nil, err
	}

	return &models.AddressLabel{
		Addr:       models.AddrID(d.Addr),
		Name:       d.Name,
		Category:   category,
		Source:     d.Source,
		Confidence: d.Confidence,
	}, nil
}

// loadTransactionDump streams a JSONL transaction dump into the engine
// and returns the number of ingested transactions. The first rejected
// line aborts the load.
func loadTransactionDump(ctx context.Context, engine *taintd.Engine,
	path string) (int, error) {

	var count int
	err := forEachDumpLine(path, func(line []byte) error {
		var record dumpTx
		if err := json.Unmarshal(line, &record); err != nil {
			return err
		}

		tx, err := record.transaction()
		if err != nil {
			return err
		}

		if err := engine.IngestTransaction(ctx, tx); err != nil {
			return err
		}
		count++

		return nil
	})

	return count, err
}

// loadLabelDump streams a JSONL label dump into the engine and returns
// the number of ingested labels. The first rejected line aborts the
// load.
func loadLabelDump(ctx context.Context, engine *taintd.Engine,
	path string) (int, error) {

	var count int
	err := forEachDumpLine(path, func(line []byte) error {
		var record dumpLabel
		if err := json.Unmarshal(line, &record); err != nil {
			return err
		}

		label, err := record.label()
		if err != nil {
			return err
		}

		if err := engine.IngestAddressLabel(ctx, label); err != nil {
			return err
		}
		count++

		return nil
	})

	return count, err
}

// forEachDumpLine calls f for every non-empty line of the file,
// annotating errors with the file position.
func forEachDumpLine(path string, f func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDumpLineSize)

	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if err := f(line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, err)
		}
	}

	return scanner.Err()
}
