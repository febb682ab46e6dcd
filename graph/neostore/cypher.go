package neostore

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/taintlabs/taintd/graph/models"
)

// The graph schema uses one node label per record kind: Addr, Tx,
// Entity, Label, Score and a singleton Meta node. Value flow hangs off
// relationships, (Addr)-[:FUNDS]->(Tx) for inputs and
// (Tx)-[:PAYS]->(Addr) for outputs, each carrying the output index so
// transactions round-trip in their original order. Timestamps are
// stored as unix nanoseconds so ordering and equality survive the trip.

// schemaStatements create the uniqueness constraints backing the MERGE
// based upserts. All are idempotent.
var schemaStatements = []string{
	`CREATE CONSTRAINT addr_id IF NOT EXISTS
	FOR (a:Addr) REQUIRE a.id IS UNIQUE`,

	`CREATE CONSTRAINT tx_id IF NOT EXISTS
	FOR (t:Tx) REQUIRE t.id IS UNIQUE`,

	`CREATE CONSTRAINT entity_id IF NOT EXISTS
	FOR (e:Entity) REQUIRE e.id IS UNIQUE`,

	`CREATE CONSTRAINT score_node IF NOT EXISTS
	FOR (s:Score) REQUIRE s.node IS UNIQUE`,

	`CREATE CONSTRAINT label_key IF NOT EXISTS
	FOR (l:Label) REQUIRE (l.addr, l.source) IS NODE KEY`,

	`CREATE CONSTRAINT meta_id IF NOT EXISTS
	FOR (m:Meta) REQUIRE m.id IS UNIQUE`,
}

const (
	// getOutEdgesQuery aggregates the value an address feeds into each
	// spending transaction. The single anchored MATCH tells an unknown
	// address (zero rows) apart from a known one without spends (one
	// row with a null txid).
	getOutEdgesQuery = `
		MATCH (a:Addr {id: $addr})
		OPTIONAL MATCH (a)-[f:FUNDS]->(t:Tx)
		RETURN t.id AS txid, t.time AS time, sum(f.value) AS value
		ORDER BY time ASC, txid ASC`

	// getInEdgesQuery aggregates the value each transaction pays to an
	// address.
	getInEdgesQuery = `
		MATCH (a:Addr {id: $addr})
		OPTIONAL MATCH (t:Tx)-[p:PAYS]->(a)
		RETURN t.id AS txid, t.time AS time, sum(p.value) AS value
		ORDER BY time ASC, txid ASC`

	// txReturnClause reassembles a transaction with all inputs and
	// outputs from its relationships.
	txReturnClause = `
		OPTIONAL MATCH (src:Addr)-[f:FUNDS]->(t)
		WITH t, collect({addr: src.id, value: f.value, idx: f.idx,
			prevTx: f.prevTx, prevIdx: f.prevIdx}) AS inputs
		OPTIONAL MATCH (t)-[p:PAYS]->(dst:Addr)
		RETURN t.id AS txid, t.time AS time, inputs,
			collect({addr: dst.id, value: p.value, idx: p.idx})
				AS outputs`

	getTransactionQuery = `
		MATCH (t:Tx {id: $txid})` + txReturnClause

	forEachTransactionQuery = `
		MATCH (t:Tx)
		WITH t ORDER BY t.time ASC, t.id ASC` + txReturnClause

	// getSpenderQuery resolves which transaction consumed an outpoint
	// through the provenance stored on FUNDS relationships.
	getSpenderQuery = `
		MATCH (:Addr)-[f:FUNDS {prevTx: $prevTx, prevIdx: $prevIdx}]
			->(t:Tx)
		RETURN t.id AS spender`

	getAddressQuery = `
		MATCH (a:Addr {id: $addr})
		RETURN a.id AS id, a.firstSeen AS firstSeen,
			a.lastSeen AS lastSeen, a.txCount AS txCount`

	entityReturnClause = `
		RETURN e.id AS id, e.label AS label, e.category AS category,
			e.conflict AS conflict, e.generatedAt AS generatedAt,
			collect(m.id) AS members`

	getEntityQuery = `
		MATCH (e:Entity {id: $id})
		OPTIONAL MATCH (m:Addr)-[:MEMBER_OF]->(e)` + entityReturnClause

	// getEntityOfQuery resolves membership from the address side. Zero
	// rows means the address is unknown, a null entity id means it is
	// known but unattributed.
	getEntityOfQuery = `
		MATCH (a:Addr {id: $addr})
		OPTIONAL MATCH (a)-[:MEMBER_OF]->(e:Entity)
		OPTIONAL MATCH (m:Addr)-[:MEMBER_OF]->(e)` + entityReturnClause

	forEachEntityQuery = `
		MATCH (e:Entity)
		OPTIONAL MATCH (m:Addr)-[:MEMBER_OF]->(e)
		WITH e, collect(m.id) AS members ORDER BY e.id ASC
		RETURN e.id AS id, e.label AS label, e.category AS category,
			e.conflict AS conflict, e.generatedAt AS generatedAt,
			members`

	// upsertEntityQuery rewrites one cluster: stale members of a
	// previous incarnation are unlinked, listed members are linked and
	// stolen from whatever cluster held them before.
	upsertEntityQuery = `
		MERGE (e:Entity {id: $id})
		SET e.label = $label, e.category = $category,
			e.conflict = $conflict, e.generatedAt = $generatedAt
		WITH e
		OPTIONAL MATCH (stale:Addr)-[r:MEMBER_OF]->(e)
		WHERE NOT stale.id IN $members
		DELETE r
		WITH DISTINCT e
		UNWIND $members AS member
		MERGE (a:Addr {id: member})
		WITH e, a
		OPTIONAL MATCH (a)-[prev:MEMBER_OF]->(other:Entity)
		WHERE other.id <> e.id
		DELETE prev
		MERGE (a)-[:MEMBER_OF]->(e)`

	// reapOrphanEntitiesQuery removes entity records whose last member
	// was stolen by another cluster, the second half of an upsert.
	reapOrphanEntitiesQuery = `
		MATCH (orphan:Entity)
		WHERE NOT EXISTS {
			MATCH (:Addr)-[:MEMBER_OF]->(orphan)
		}
		DETACH DELETE orphan`

	getScoreQuery = `
		MATCH (s:Score {node: $node})
		RETURN s.node AS node, s.value AS value,
			s.computedAt AS computedAt, s.seedIds AS seedIds,
			s.seedShares AS seedShares`

	writeScoreQuery = `
		MERGE (s:Score {node: $node})
		SET s.value = $value, s.computedAt = $computedAt,
			s.seedIds = $seedIds, s.seedShares = $seedShares`

	// upsertLabelQuery attaches an external label. The address node is
	// created on the spot, intelligence may arrive before the address
	// shows up in any transaction.
	upsertLabelQuery = `
		MERGE (a:Addr {id: $addr})
		MERGE (l:Label {addr: $addr, source: $source})
		SET l.name = $name, l.category = $category,
			l.confidence = $confidence
		MERGE (meta:Meta {id: 'graph'})
		SET meta.lastIngest = $now`

	getAddressLabelsQuery = `
		MATCH (a:Addr {id: $addr})
		OPTIONAL MATCH (l:Label {addr: $addr})
		RETURN l.name AS name, l.category AS category,
			l.source AS source, l.confidence AS confidence
		ORDER BY source ASC`

	// checkSpendsQuery detects a double spend: some other transaction
	// already consumed one of the outpoints about to be claimed.
	checkSpendsQuery = `
		UNWIND $prevouts AS prev
		MATCH (:Addr)-[f:FUNDS {prevTx: prev.prevTx,
			prevIdx: prev.prevIdx}]->(t:Tx)
		WHERE t.id <> $txid
		RETURN t.id AS spender LIMIT 1`

	createTxQuery = `
		CREATE (t:Tx {id: $txid, time: $time})`

	createInputsQuery = `
		MATCH (t:Tx {id: $txid})
		UNWIND $inputs AS input
		MERGE (a:Addr {id: input.addr})
		CREATE (a)-[:FUNDS {idx: input.idx, value: input.value,
			prevTx: input.prevTx, prevIdx: input.prevIdx}]->(t)`

	createOutputsQuery = `
		MATCH (t:Tx {id: $txid})
		UNWIND $outputs AS output
		MERGE (a:Addr {id: output.addr})
		CREATE (t)-[:PAYS {idx: output.idx,
			value: output.value}]->(a)`

	// touchAddressesQuery widens the activity window of every address
	// the transaction touches, null safe because label-created
	// addresses start without a window.
	touchAddressesQuery = `
		UNWIND $touched AS addr
		MATCH (a:Addr {id: addr})
		SET a.firstSeen = CASE
				WHEN a.firstSeen IS NULL OR a.firstSeen > $time
				THEN $time ELSE a.firstSeen END,
			a.lastSeen = CASE
				WHEN a.lastSeen IS NULL OR a.lastSeen < $time
				THEN $time ELSE a.lastSeen END,
			a.txCount = coalesce(a.txCount, 0) + 1`

	touchMetaQuery = `
		MERGE (meta:Meta {id: 'graph'})
		SET meta.lastIngest = $now`

	searchAddressesQuery = `
		MATCH (a:Addr)
		WHERE a.id STARTS WITH $prefix
		RETURN a.id AS id
		ORDER BY id ASC
		LIMIT $limit`

	searchAddressesAllQuery = `
		MATCH (a:Addr)
		WHERE a.id STARTS WITH $prefix
		RETURN a.id AS id
		ORDER BY id ASC`

	statsQuery = `
		OPTIONAL MATCH (meta:Meta {id: 'graph'})
		RETURN COUNT { MATCH (:Addr) } AS addresses,
			COUNT { MATCH (:Tx) } AS transactions,
			COUNT { MATCH (:Entity) } AS entities,
			COUNT { MATCH (:Label) } AS labels,
			COUNT { MATCH (:Score) } AS scores,
			meta.lastIngest AS lastIngest`
)

// txParams flattens a transaction into the parameter maps consumed by
// the insert statements.
func txParams(tx *models.Transaction) map[string]any {
	inputs := make([]any, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = map[string]any{
			"addr":    string(in.Addr),
			"value":   int64(in.Value),
			"idx":     int64(i),
			"prevTx":  in.PrevOut.Hash.String(),
			"prevIdx": int64(in.PrevOut.Index),
		}
	}

	outputs := make([]any, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputs[i] = map[string]any{
			"addr":  string(out.Addr),
			"value": int64(out.Value),
			"idx":   int64(i),
		}
	}

	touched := make([]any, 0, len(tx.Inputs)+len(tx.Outputs))
	for _, addr := range tx.InputAddrs() {
		touched = append(touched, string(addr))
	}
	for _, addr := range tx.OutputAddrs() {
		touched = append(touched, string(addr))
	}

	prevouts := make([]any, len(tx.Inputs))
	for i, in := range tx.Inputs {
		prevouts[i] = map[string]any{
			"prevTx":  in.PrevOut.Hash.String(),
			"prevIdx": int64(in.PrevOut.Index),
		}
	}

	return map[string]any{
		"txid":     tx.TxID.String(),
		"time":     tx.Time.UnixNano(),
		"inputs":   inputs,
		"outputs":  outputs,
		"touched":  dedupAnyStrings(touched),
		"prevouts": prevouts,
	}
}

// entityParams flattens an entity for the upsert statement. An absent
// label is stored as null.
func entityParams(entity *models.Entity) map[string]any {
	members := make([]any, len(entity.Members))
	for i, member := range entity.Members {
		members[i] = string(member)
	}

	var label any
	entity.Label.WhenSome(func(name string) {
		label = name
	})

	return map[string]any{
		"id":          string(entity.ID),
		"label":       label,
		"category":    entity.Category.String(),
		"conflict":    entity.Conflict,
		"generatedAt": entity.GeneratedAt.UnixNano(),
		"members":     members,
	}
}

// scoreParams flattens a risk score. The provenance list is stored as
// two parallel arrays since the backend holds no nested structs.
func scoreParams(score *models.RiskScore) map[string]any {
	seedIDs := make([]any, len(score.TopSeeds))
	seedShares := make([]any, len(score.TopSeeds))
	for i, seed := range score.TopSeeds {
		seedIDs[i] = string(seed.Seed)
		seedShares[i] = seed.Share
	}

	return map[string]any{
		"node":       score.Node.String(),
		"value":      score.Value,
		"computedAt": score.ComputedAt.UnixNano(),
		"seedIds":    seedIDs,
		"seedShares": seedShares,
	}
}

// labelParams flattens an address label for the upsert statement.
func labelParams(label *models.AddressLabel, now time.Time) map[string]any {
	return map[string]any{
		"addr":       string(label.Addr),
		"name":       label.Name,
		"category":   label.Category.String(),
		"source":     label.Source,
		"confidence": label.Confidence,
		"now":        now.UnixNano(),
	}
}

// edgeFromMap decodes one row of an edge query. The ok return is false
// for the null row a known address without edges produces.
func edgeFromMap(row map[string]any) (models.Edge, bool, error) {
	txid, ok := row["txid"].(string)
	if !ok {
		return models.Edge{}, false, nil
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return models.Edge{}, false, fmt.Errorf("bad txid %q: %w",
			txid, err)
	}

	nanos, err := int64From(row, "time")
	if err != nil {
		return models.Edge{}, false, err
	}
	value, err := int64From(row, "value")
	if err != nil {
		return models.Edge{}, false, err
	}

	return models.Edge{
		TxID:  *hash,
		Time:  time.Unix(0, nanos),
		Value: btcutil.Amount(value),
	}, true, nil
}

// txFromMap decodes one row of a transaction query, restoring input and
// output order from the stored indices.
func txFromMap(row map[string]any) (*models.Transaction, error) {
	txid, ok := row["txid"].(string)
	if !ok {
		return nil, fmt.Errorf("transaction row lacks txid: %v", row)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", txid, err)
	}

	nanos, err := int64From(row, "time")
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		TxID: *hash,
		Time: time.Unix(0, nanos),
	}

	type ordered struct {
		idx int64
		in  models.TxIn
		out models.TxOut
	}

	var ins []ordered
	for _, raw := range listFrom(row, "inputs") {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		addr, ok := item["addr"].(string)
		if !ok {
			continue
		}

		value, err := int64From(item, "value")
		if err != nil {
			return nil, err
		}
		idx, err := int64From(item, "idx")
		if err != nil {
			return nil, err
		}
		prevTx, _ := item["prevTx"].(string)
		prevHash, err := chainhash.NewHashFromStr(prevTx)
		if err != nil {
			return nil, fmt.Errorf("bad prev txid %q: %w",
				prevTx, err)
		}
		prevIdx, err := int64From(item, "prevIdx")
		if err != nil {
			return nil, err
		}

		ins = append(ins, ordered{
			idx: idx,
			in: models.TxIn{
				PrevOut: wire.OutPoint{
					Hash:  *prevHash,
					Index: uint32(prevIdx),
				},
				Addr:  models.AddrID(addr),
				Value: btcutil.Amount(value),
			},
		})
	}
	sort.Slice(ins, func(i, j int) bool {
		return ins[i].idx < ins[j].idx
	})
	for _, item := range ins {
		tx.Inputs = append(tx.Inputs, item.in)
	}

	var outs []ordered
	for _, raw := range listFrom(row, "outputs") {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		addr, ok := item["addr"].(string)
		if !ok {
			continue
		}

		value, err := int64From(item, "value")
		if err != nil {
			return nil, err
		}
		idx, err := int64From(item, "idx")
		if err != nil {
			return nil, err
		}

		outs = append(outs, ordered{
			idx: idx,
			out: models.TxOut{
				Addr:  models.AddrID(addr),
				Value: btcutil.Amount(value),
			},
		})
	}
	sort.Slice(outs, func(i, j int) bool {
		return outs[i].idx < outs[j].idx
	})
	for _, item := range outs {
		tx.Outputs = append(tx.Outputs, item.out)
	}

	return tx, nil
}

// addressFromMap decodes an address row. The activity window is null for
// addresses created by a label before any transaction.
func addressFromMap(row map[string]any) (*models.Address, error) {
	id, ok := row["id"].(string)
	if !ok {
		return nil, fmt.Errorf("address row lacks id: %v", row)
	}

	record := &models.Address{ID: models.AddrID(id)}

	if nanos, ok := row["firstSeen"].(int64); ok {
		record.FirstSeen = time.Unix(0, nanos)
	}
	if nanos, ok := row["lastSeen"].(int64); ok {
		record.LastSeen = time.Unix(0, nanos)
	}
	if count, ok := row["txCount"].(int64); ok {
		record.TxCount = count
	}

	return record, nil
}

// entityFromMap decodes an entity row. The ok return is false when the
// row carries a null entity, as produced for an unattributed address.
func entityFromMap(row map[string]any) (*models.Entity, bool, error) {
	id, ok := row["id"].(string)
	if !ok {
		return nil, false, nil
	}

	category, err := models.ParseCategory(
		stringOr(row, "category", "unknown"),
	)
	if err != nil {
		return nil, false, err
	}

	entity := &models.Entity{
		ID:       models.EntityID(id),
		Category: category,
	}

	if name, ok := row["label"].(string); ok {
		entity.Label = fn.Some(name)
	}
	if conflict, ok := row["conflict"].(bool); ok {
		entity.Conflict = conflict
	}
	if nanos, ok := row["generatedAt"].(int64); ok {
		entity.GeneratedAt = time.Unix(0, nanos)
	}

	for _, raw := range listFrom(row, "members") {
		if member, ok := raw.(string); ok {
			entity.Members = append(
				entity.Members, models.AddrID(member),
			)
		}
	}
	sort.Slice(entity.Members, func(i, j int) bool {
		return entity.Members[i] < entity.Members[j]
	})

	return entity, true, nil
}

// scoreFromMap decodes a score row, reassembling the provenance from the
// parallel seed arrays.
func scoreFromMap(row map[string]any) (*models.RiskScore, error) {
	nodeStr, ok := row["node"].(string)
	if !ok {
		return nil, fmt.Errorf("score row lacks node: %v", row)
	}
	node, err := models.ParseNodeID(nodeStr)
	if err != nil {
		return nil, err
	}

	value, ok := row["value"].(float64)
	if !ok {
		return nil, fmt.Errorf("score row lacks value: %v", row)
	}

	score := &models.RiskScore{Node: node, Value: value}

	if nanos, ok := row["computedAt"].(int64); ok {
		score.ComputedAt = time.Unix(0, nanos)
	}

	seedIDs := listFrom(row, "seedIds")
	seedShares := listFrom(row, "seedShares")
	if len(seedIDs) != len(seedShares) {
		return nil, fmt.Errorf("score %v has %d seeds but %d shares",
			nodeStr, len(seedIDs), len(seedShares))
	}
	for i, raw := range seedIDs {
		seed, ok := raw.(string)
		if !ok {
			continue
		}
		share, ok := seedShares[i].(float64)
		if !ok {
			continue
		}
		score.TopSeeds = append(score.TopSeeds, models.SeedShare{
			Seed:  models.AddrID(seed),
			Share: share,
		})
	}

	return score, nil
}

// labelFromMap decodes a label row. The ok return is false for the null
// row a known but unlabeled address produces.
func labelFromMap(addr models.AddrID,
	row map[string]any) (models.AddressLabel, bool, error) {

	name, ok := row["name"].(string)
	if !ok {
		return models.AddressLabel{}, false, nil
	}

	category, err := models.ParseCategory(
		stringOr(row, "category", "unknown"),
	)
	if err != nil {
		return models.AddressLabel{}, false, err
	}

	label := models.AddressLabel{
		Addr:     addr,
		Name:     name,
		Category: category,
		Source:   stringOr(row, "source", ""),
	}
	if confidence, ok := row["confidence"].(float64); ok {
		label.Confidence = confidence
	}

	return label, true, nil
}

// statsFromMap decodes the stats row.
func statsFromMap(row map[string]any) (*models.GraphStats, error) {
	stats := &models.GraphStats{}

	for key, dst := range map[string]*int64{
		"addresses":    &stats.Addresses,
		"transactions": &stats.Transactions,
		"entities":     &stats.Entities,
		"labels":       &stats.Labels,
		"scores":       &stats.Scores,
	} {
		count, err := int64From(row, key)
		if err != nil {
			return nil, err
		}
		*dst = count
	}

	if nanos, ok := row["lastIngest"].(int64); ok {
		stats.LastIngest = time.Unix(0, nanos)
	}

	return stats, nil
}

func int64From(row map[string]any, key string) (int64, error) {
	value, ok := row[key].(int64)
	if !ok {
		return 0, fmt.Errorf("row field %q is %T, want int64",
			key, row[key])
	}

	return value, nil
}

func listFrom(row map[string]any, key string) []any {
	list, _ := row[key].([]any)

	return list
}

func stringOr(row map[string]any, key, fallback string) string {
	if value, ok := row[key].(string); ok {
		return value
	}

	return fallback
}

func dedupAnyStrings(values []any) []any {
	seen := make(map[any]struct{}, len(values))
	out := make([]any, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}

	return out
}
