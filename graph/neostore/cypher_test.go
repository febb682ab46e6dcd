package neostore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/taintlabs/taintd/graph/models"
)

var testTime = time.Unix(1_700_000_000, 0)

// TestTxParamsRoundTrip tests that a transaction survives the trip
// through its parameter map and back through the row decoder.
func TestTxParamsRoundTrip(t *testing.T) {
	t.Parallel()

	tx := &models.Transaction{
		TxID: chainhash.Hash{0x01},
		Time: testTime,
		Inputs: []models.TxIn{
			{
				PrevOut: wire.OutPoint{
					Hash:  chainhash.Hash{0xaa},
					Index: 3,
				},
				Addr:  "alice",
				Value: 70_000,
			},
			{
				PrevOut: wire.OutPoint{
					Hash:  chainhash.Hash{0xbb},
					Index: 0,
				},
				Addr:  "bob",
				Value: 40_000,
			},
		},
		Outputs: []models.TxOut{
			{Addr: "carol", Value: 60_000},
			{Addr: "alice", Value: 45_000},
		},
	}

	params := txParams(tx)
	require.Equal(t, tx.TxID.String(), params["txid"])
	require.Equal(t, testTime.UnixNano(), params["time"])

	// Addresses touched by the transaction, deduplicated.
	require.ElementsMatch(t, []any{"alice", "bob", "carol"},
		params["touched"].([]any))

	row := map[string]any{
		"txid":    params["txid"],
		"time":    params["time"],
		"inputs":  params["inputs"],
		"outputs": params["outputs"],
	}

	decoded, err := txFromMap(row)
	require.NoError(t, err)
	require.True(t, tx.Equal(decoded), "decoded tx differs")
}

// TestTxDecodeRestoresOrder tests that scrambled relationship rows are
// put back into original input/output order via the stored indices.
func TestTxDecodeRestoresOrder(t *testing.T) {
	t.Parallel()

	prev := chainhash.Hash{0xaa}.String()
	row := map[string]any{
		"txid": chainhash.Hash{0x02}.String(),
		"time": testTime.UnixNano(),
		"inputs": []any{
			map[string]any{
				"addr": "b", "value": int64(2),
				"idx": int64(1), "prevTx": prev,
				"prevIdx": int64(1),
			},
			map[string]any{
				"addr": "a", "value": int64(1),
				"idx": int64(0), "prevTx": prev,
				"prevIdx": int64(0),
			},
		},
		"outputs": []any{
			map[string]any{
				"addr": "y", "value": int64(2), "idx": int64(1),
			},
			map[string]any{
				"addr": "x", "value": int64(1), "idx": int64(0),
			},
		},
	}

	tx, err := txFromMap(row)
	require.NoError(t, err)

	require.Equal(t, models.AddrID("a"), tx.Inputs[0].Addr)
	require.Equal(t, models.AddrID("b"), tx.Inputs[1].Addr)
	require.Equal(t, models.AddrID("x"), tx.Outputs[0].Addr)
	require.Equal(t, models.AddrID("y"), tx.Outputs[1].Addr)
}

// TestEdgeDecode tests the three row shapes an edge query can produce.
func TestEdgeDecode(t *testing.T) {
	t.Parallel()

	edge, ok, err := edgeFromMap(map[string]any{
		"txid":  chainhash.Hash{0x03}.String(),
		"time":  testTime.UnixNano(),
		"value": int64(12_345),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chainhash.Hash{0x03}, edge.TxID)
	require.True(t, testTime.Equal(edge.Time))
	require.Equal(t, btcutil.Amount(12_345), edge.Value)

	// The null row of a known address without edges.
	_, ok, err = edgeFromMap(map[string]any{
		"txid": nil, "time": nil, "value": int64(0),
	})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = edgeFromMap(map[string]any{
		"txid": "not-a-hash", "time": int64(0), "value": int64(0),
	})
	require.Error(t, err)
}

// TestEntityParamsRoundTrip tests entity encoding, including the null
// label of conflicted clusters.
func TestEntityParamsRoundTrip(t *testing.T) {
	t.Parallel()

	entity := &models.Entity{
		ID:          models.NewEntityID("alice"),
		Members:     []models.AddrID{"alice", "bob"},
		Label:       fn.Some("Shady Exchange"),
		Category:    models.CategoryExchange,
		GeneratedAt: testTime,
	}

	params := entityParams(entity)
	require.Equal(t, "ent:alice", params["id"])
	require.Equal(t, "Shady Exchange", params["label"])
	require.Equal(t, "exchange", params["category"])

	row := map[string]any{
		"id":          params["id"],
		"label":       params["label"],
		"category":    params["category"],
		"conflict":    params["conflict"],
		"generatedAt": params["generatedAt"],
		"members":     params["members"],
	}

	decoded, ok, err := entityFromMap(row)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entity, decoded)

	// A conflicted cluster stores a null label and decodes to None.
	entity.Label = fn.None[string]()
	entity.Conflict = true

	params = entityParams(entity)
	require.Nil(t, params["label"])

	row["label"] = params["label"]
	row["conflict"] = params["conflict"]
	decoded, ok, err = entityFromMap(row)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, decoded.Label.IsNone())
	require.True(t, decoded.Conflict)

	// The null entity row of an unattributed address.
	_, ok, err = entityFromMap(map[string]any{"id": nil})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestScoreParamsRoundTrip tests score encoding with its provenance
// stored as parallel arrays.
func TestScoreParamsRoundTrip(t *testing.T) {
	t.Parallel()

	score := &models.RiskScore{
		Node:  models.EntityNode(models.NewEntityID("alice")),
		Value: 0.625,
		TopSeeds: []models.SeedShare{
			{Seed: "seed1", Share: 0.5},
			{Seed: "seed2", Share: 0.125},
		},
		ComputedAt: testTime,
	}

	params := scoreParams(score)
	require.Equal(t, "ent:alice", params["node"])
	require.Equal(t, []any{"seed1", "seed2"}, params["seedIds"])
	require.Equal(t, []any{0.5, 0.125}, params["seedShares"])

	row := map[string]any{
		"node":       params["node"],
		"value":      params["value"],
		"computedAt": params["computedAt"],
		"seedIds":    params["seedIds"],
		"seedShares": params["seedShares"],
	}

	decoded, err := scoreFromMap(row)
	require.NoError(t, err)
	require.Equal(t, score, decoded)

	// Mismatched provenance arrays are a corrupt row.
	row["seedShares"] = []any{0.5}
	_, err = scoreFromMap(row)
	require.Error(t, err)
}

// TestLabelDecode tests label row decoding, including the null row of
// an unlabeled address.
func TestLabelDecode(t *testing.T) {
	t.Parallel()

	label, ok, err := labelFromMap("alice", map[string]any{
		"name":       "Shady Exchange",
		"category":   "exchange",
		"source":     "osint",
		"confidence": 0.8,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.AddressLabel{
		Addr:       "alice",
		Name:       "Shady Exchange",
		Category:   models.CategoryExchange,
		Source:     "osint",
		Confidence: 0.8,
	}, label)

	_, ok, err = labelFromMap("alice", map[string]any{
		"name": nil, "category": nil, "source": nil,
		"confidence": nil,
	})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestStatsDecode tests the stats row decoder.
func TestStatsDecode(t *testing.T) {
	t.Parallel()

	stats, err := statsFromMap(map[string]any{
		"addresses":    int64(10),
		"transactions": int64(4),
		"entities":     int64(2),
		"labels":       int64(3),
		"scores":       int64(5),
		"lastIngest":   testTime.UnixNano(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.Addresses)
	require.Equal(t, int64(4), stats.Transactions)
	require.Equal(t, int64(2), stats.Entities)
	require.Equal(t, int64(3), stats.Labels)
	require.Equal(t, int64(5), stats.Scores)
	require.True(t, testTime.Equal(stats.LastIngest))
}

// TestAddressDecode tests address decoding, including the windowless
// record a label creates ahead of chain activity.
func TestAddressDecode(t *testing.T) {
	t.Parallel()

	record, err := addressFromMap(map[string]any{
		"id":        "alice",
		"firstSeen": testTime.UnixNano(),
		"lastSeen":  testTime.Add(time.Hour).UnixNano(),
		"txCount":   int64(7),
	})
	require.NoError(t, err)
	require.Equal(t, models.AddrID("alice"), record.ID)
	require.True(t, testTime.Equal(record.FirstSeen))
	require.Equal(t, int64(7), record.TxCount)

	record, err = addressFromMap(map[string]any{
		"id": "fresh", "firstSeen": nil, "lastSeen": nil,
		"txCount": nil,
	})
	require.NoError(t, err)
	require.True(t, record.FirstSeen.IsZero())
	require.Zero(t, record.TxCount)
}
