package tracer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/tdutils"
)

const (
	// DefaultDecay is the per-hop attenuation applied to flow
	// weights.
	DefaultDecay = 0.5

	// DefaultMaxHops caps the total hop count of a traced path.
	DefaultMaxHops = 8

	// DefaultMaxBranch caps the candidate hops taken per frontier
	// expansion.
	DefaultMaxBranch = 16

	// DefaultMaxPaths is the number of ranked paths returned.
	DefaultMaxPaths = 10

	// DefaultMaxVisited is the total expansion budget of one trace.
	DefaultMaxVisited = 10_000
)

// Config bundles the dependencies and hard limits of the tracer. The
// hop and branch limits double as per-request defaults.
type Config struct {
	// Store is the graph backend traversed by traces.
	Store graph.Store

	// Decay is the per-hop attenuation used for flow weights, within
	// (0, 1].
	Decay float64

	// MaxHops caps the total hop count of a path. Requests may ask
	// for less, never for more.
	MaxHops int

	// MaxBranch caps the candidate hops taken per expansion.
	MaxBranch int

	// MaxPaths caps the number of ranked paths returned.
	MaxPaths int

	// MaxVisited caps the number of frontier expansions per trace.
	MaxVisited int
}

// DefaultConfig returns the tracer limits used when the operator does
// not override them.
func DefaultConfig(store graph.Store) Config {
	return Config{
		Store:      store,
		Decay:      DefaultDecay,
		MaxHops:    DefaultMaxHops,
		MaxBranch:  DefaultMaxBranch,
		MaxPaths:   DefaultMaxPaths,
		MaxVisited: DefaultMaxVisited,
	}
}

// Validate rejects limit combinations under which no trace could ever
// return anything.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("tracer requires a store")
	}
	if c.Decay <= 0 || c.Decay > 1 {
		return fmt.Errorf("decay must lie in (0, 1], got %v",
			c.Decay)
	}
	if c.MaxHops <= 0 || c.MaxBranch <= 0 || c.MaxPaths <= 0 ||
		c.MaxVisited <= 0 {

		return fmt.Errorf("tracer limits must be positive, got "+
			"hops=%v branch=%v paths=%v visited=%v", c.MaxHops,
			c.MaxBranch, c.MaxPaths, c.MaxVisited)
	}

	return nil
}

// TimeWindow bounds the transaction timestamps a trace may traverse.
// Zero endpoints leave the respective side unbounded.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// contains reports whether a timestamp falls inside the window.
func (w *TimeWindow) contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}

	return true
}

// Request describes a single trace. Zero valued hop and branch limits
// fall back to the tracer config, larger ones are clamped to it.
type Request struct {
	// Source is the node funds flow out of. An entity stands for all
	// of its member addresses.
	Source models.NodeID

	// Dest is the node funds flow into.
	Dest models.NodeID

	// Window restricts every traversed transaction's timestamp.
	Window TimeWindow

	// MaxHops overrides the config hop cap for this trace.
	MaxHops int

	// MaxBranch overrides the config fan-out cap for this trace.
	MaxBranch int
}

// Result carries the ranked paths of one trace. An empty Paths slice is
// a valid outcome, it means no flow connects the endpoints within the
// limits.
type Result struct {
	// Paths holds the discovered paths, strongest flow first.
	Paths []*models.FlowPath

	// Truncated is set when any limit cut the search short, so
	// missing paths cannot be ruled out.
	Truncated bool

	// Expanded is the number of frontier expansions performed.
	Expanded int
}

// Tracer enumerates plausible flow paths between two graph nodes. The
// search runs from both endpoints at once: forward partials never step
// back in time, backward partials never step forward, and the two sides
// join at a transaction funded by a forward tip that pays a backward
// tip.
type Tracer struct {
	cfg Config
}

// New validates the config and returns a ready tracer.
func New(cfg Config) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Tracer{cfg: cfg}, nil
}

// partial is a path under construction, growing forward from the source
// or backward from the destination.
type partial struct {
	// tip is the address the partial currently ends (forward) or
	// starts (backward) at.
	tip models.AddrID

	// hops are stored in final path order: the forward side appends
	// at the back, the backward side prepends at the front.
	hops []models.PathHop

	// bound is the tx time of the hop adjacent to the tip, zero for
	// a root. Forward extensions must not precede it, backward
	// extensions must not follow it.
	bound time.Time

	// weight is the decayed flow weight accumulated over hops.
	weight float64

	// forward is true for partials growing from the source.
	forward bool
}

// trace bundles the mutable state of a single Trace call.
type trace struct {
	tracer *Tracer
	req    *Request

	maxHops   int
	maxBranch int

	// sideDepth is the per-direction depth cap. Splitting the hop
	// budget between the directions keeps every path up to maxHops
	// reachable while halving the exponent of the search.
	sideDepth int

	frontier *partialHeap

	// fwdByTip and bwdByTip register every created partial under its
	// tip address, the other side joins against them.
	fwdByTip map[models.AddrID][]*partial
	bwdByTip map[models.AddrID][]*partial

	// found collects completed paths keyed by their hop sequence to
	// collapse duplicates discovered via different join points.
	found map[string]*models.FlowPath

	txCache   map[chainhash.Hash]*models.Transaction
	truncated bool
	expanded  int
}

// Trace searches for flow paths from req.Source to req.Dest. Paths are
// ranked by descending flow weight, then fewest hops. The result may be
// empty, and Truncated tells whether a limit was hit on the way.
func (t *Tracer) Trace(ctx context.Context, req *Request) (*Result, error) {
	log.Tracef("Trace request: %v", tdutils.SpewLogClosure(req))

	srcAddrs, err := t.resolveMembers(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	dstAddrs, err := t.resolveMembers(ctx, req.Dest)
	if err != nil {
		return nil, err
	}

	run := &trace{
		tracer:    t,
		req:       req,
		maxHops:   clampLimit(req.MaxHops, t.cfg.MaxHops),
		maxBranch: clampLimit(req.MaxBranch, t.cfg.MaxBranch),
		frontier:  newPartialHeap(),
		fwdByTip:  make(map[models.AddrID][]*partial),
		bwdByTip:  make(map[models.AddrID][]*partial),
		found:     make(map[string]*models.FlowPath),
		txCache:   make(map[chainhash.Hash]*models.Transaction),
	}
	run.sideDepth = (run.maxHops + 1) / 2

	log.Debugf("Tracing %v -> %v: maxHops=%v, maxBranch=%v",
		req.Source, req.Dest, run.maxHops, run.maxBranch)

	for _, addr := range srcAddrs {
		run.register(&partial{tip: addr, weight: 1, forward: true})
	}
	for _, addr := range dstAddrs {
		run.register(&partial{tip: addr, weight: 1})
	}

	for run.frontier.Len() > 0 {
		// Hop boundary, the cancellation point of the search.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if run.expanded >= t.cfg.MaxVisited {
			run.truncated = true
			break
		}

		p := run.frontier.pop()
		run.expanded++

		if p.forward {
			err = run.expandForward(ctx, p)
		} else {
			err = run.expandBackward(ctx, p)
		}
		if err != nil {
			return nil, err
		}
	}

	res := &Result{
		Paths:     rankPaths(run.found),
		Truncated: run.truncated,
		Expanded:  run.expanded,
	}
	if len(res.Paths) > t.cfg.MaxPaths {
		res.Paths = res.Paths[:t.cfg.MaxPaths]
		res.Truncated = true
	}

	log.Debugf("Trace %v -> %v done: paths=%v, expanded=%v, "+
		"truncated=%v", req.Source, req.Dest, len(res.Paths),
		res.Expanded, res.Truncated)

	return res, nil
}

// resolveMembers expands a trace endpoint into its address set: the
// address itself, or all members of an entity.
func (t *Tracer) resolveMembers(ctx context.Context,
	node models.NodeID) ([]models.AddrID, error) {

	if node.Kind == models.NodeEntity {
		entity, err := t.cfg.Store.GetEntity(
			ctx, models.EntityID(node.ID),
		)
		if err != nil {
			return nil, err
		}

		return entity.Members, nil
	}

	addr := models.AddrID(node.ID)
	if _, err := t.cfg.Store.GetAddress(ctx, addr); err != nil {
		return nil, err
	}

	return []models.AddrID{addr}, nil
}

// register records a partial for joining and queues it for expansion
// while its side may still grow.
func (r *trace) register(p *partial) {
	if p.forward {
		r.fwdByTip[p.tip] = append(r.fwdByTip[p.tip], p)
	} else {
		r.bwdByTip[p.tip] = append(r.bwdByTip[p.tip], p)
	}

	if len(p.hops) < r.sideDepth {
		r.frontier.push(p)
	}
}

// candidate is one possible extension hop prior to fan-out capping.
type candidate struct {
	hop models.PathHop

	// share is the hop value's fraction of its transaction's total
	// output value.
	share float64
}

// expandForward extends a source side partial through every transaction
// its tip spends into, no earlier than the partial's time bound.
func (r *trace) expandForward(ctx context.Context, p *partial) error {
	edges, err := r.tracer.cfg.Store.GetOutEdges(ctx, p.tip)
	if err != nil {
		return err
	}

	var candidates []candidate
	for _, edge := range edges {
		if !r.req.Window.contains(edge.Time) {
			continue
		}
		if !p.bound.IsZero() && edge.Time.Before(p.bound) {
			continue
		}

		tx, err := r.getTx(ctx, edge.TxID)
		if err != nil {
			return err
		}
		totalOut := tx.TotalOut()
		if totalOut <= 0 {
			continue
		}

		for _, out := range outputsByAddr(tx) {
			if out.Addr == p.tip {
				continue
			}

			candidates = append(candidates, candidate{
				hop: models.PathHop{
					TxID:  tx.TxID,
					Time:  tx.Time,
					From:  p.tip,
					To:    out.Addr,
					Value: out.Value,
				},
				share: float64(out.Value) /
					float64(totalOut),
			})
		}
	}

	for _, c := range r.capFanout(candidates) {
		next := &partial{
			tip:     c.hop.To,
			hops:    appendHop(p.hops, c.hop),
			bound:   c.hop.Time,
			weight:  p.weight * r.tracer.cfg.Decay * c.share,
			forward: true,
		}

		// The expanded transaction is the meeting point: the
		// backward side must leave the receiving address no
		// earlier than the funds arrived.
		for _, other := range r.bwdByTip[next.tip] {
			r.join(next, other)
		}

		r.register(next)
	}

	return nil
}

// expandBackward extends a destination side partial through every
// transaction paying its tip, no later than the partial's time bound.
// Each distinct input address of such a transaction is a separate
// upstream candidate.
func (r *trace) expandBackward(ctx context.Context, p *partial) error {
	edges, err := r.tracer.cfg.Store.GetInEdges(ctx, p.tip)
	if err != nil {
		return err
	}

	var candidates []candidate
	for _, edge := range edges {
		if !r.req.Window.contains(edge.Time) {
			continue
		}
		if !p.bound.IsZero() && edge.Time.After(p.bound) {
			continue
		}

		tx, err := r.getTx(ctx, edge.TxID)
		if err != nil {
			return err
		}
		totalOut := tx.TotalOut()
		if totalOut <= 0 || edge.Value <= 0 {
			continue
		}

		for _, from := range tx.InputAddrs() {
			if from == p.tip {
				continue
			}

			candidates = append(candidates, candidate{
				hop: models.PathHop{
					TxID:  tx.TxID,
					Time:  tx.Time,
					From:  from,
					To:    p.tip,
					Value: edge.Value,
				},
				share: float64(edge.Value) /
					float64(totalOut),
			})
		}
	}

	for _, c := range r.capFanout(candidates) {
		next := &partial{
			tip:    c.hop.From,
			hops:   prependHop(c.hop, p.hops),
			bound:  c.hop.Time,
			weight: p.weight * r.tracer.cfg.Decay * c.share,
		}

		for _, other := range r.fwdByTip[next.tip] {
			r.join(other, next)
		}

		r.register(next)
	}

	return nil
}

// capFanout orders candidate hops strongest first and applies the
// per-expansion branch cap.
func (r *trace) capFanout(candidates []candidate) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.hop.Value != b.hop.Value {
			return a.hop.Value > b.hop.Value
		}
		if !a.hop.Time.Equal(b.hop.Time) {
			return a.hop.Time.Before(b.hop.Time)
		}
		if cmp := bytes.Compare(a.hop.TxID[:],
			b.hop.TxID[:]); cmp != 0 {

			return cmp < 0
		}
		if a.hop.To != b.hop.To {
			return a.hop.To < b.hop.To
		}

		return a.hop.From < b.hop.From
	})

	if len(candidates) > r.maxBranch {
		candidates = candidates[:r.maxBranch]
		r.truncated = true
	}

	return candidates
}

// join merges a forward and a backward partial sharing a tip address
// into a complete path, provided their time bounds are compatible and
// the combined length fits the hop budget.
func (r *trace) join(fwd, bwd *partial) {
	totalHops := len(fwd.hops) + len(bwd.hops)
	if totalHops == 0 || totalHops > r.maxHops {
		return
	}

	// Funds must arrive at the shared address before they leave it.
	if !fwd.bound.IsZero() && !bwd.bound.IsZero() &&
		bwd.bound.Before(fwd.bound) {

		return
	}

	hops := make([]models.PathHop, 0, totalHops)
	hops = append(hops, fwd.hops...)
	hops = append(hops, bwd.hops...)

	key := pathKey(hops)
	if _, ok := r.found[key]; ok {
		return
	}

	path := &models.FlowPath{
		Hops:   hops,
		Weight: fwd.weight * bwd.weight,
	}
	path.Value = path.Bottleneck()
	r.found[key] = path
}

// getTx fetches a transaction through the per-trace cache.
func (r *trace) getTx(ctx context.Context,
	txid chainhash.Hash) (*models.Transaction, error) {

	if tx, ok := r.txCache[txid]; ok {
		return tx, nil
	}

	tx, err := r.tracer.cfg.Store.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	r.txCache[txid] = tx

	return tx, nil
}

// outputsByAddr folds a transaction's outputs into per-address sums,
// sorted by address for deterministic iteration.
func outputsByAddr(tx *models.Transaction) []models.TxOut {
	sums := make(map[models.AddrID]btcutil.Amount)
	for _, out := range tx.Outputs {
		if out.Value <= 0 {
			continue
		}
		sums[out.Addr] += out.Value
	}

	outs := make([]models.TxOut, 0, len(sums))
	for addr, value := range sums {
		outs = append(outs, models.TxOut{Addr: addr, Value: value})
	}
	sort.Slice(outs, func(i, j int) bool {
		return outs[i].Addr < outs[j].Addr
	})

	return outs
}

// appendHop copies the hop slice before appending so sibling partials
// never share backing arrays.
func appendHop(hops []models.PathHop, hop models.PathHop) []models.PathHop {
	next := make([]models.PathHop, 0, len(hops)+1)
	next = append(next, hops...)
	next = append(next, hop)

	return next
}

// prependHop copies the hop slice before prepending.
func prependHop(hop models.PathHop, hops []models.PathHop) []models.PathHop {
	next := make([]models.PathHop, 0, len(hops)+1)
	next = append(next, hop)
	next = append(next, hops...)

	return next
}

// pathKey is the canonical identity of a hop sequence.
func pathKey(hops []models.PathHop) string {
	var b strings.Builder
	for _, hop := range hops {
		b.WriteString(hop.TxID.String())
		b.WriteByte('|')
		b.WriteString(string(hop.From))
		b.WriteByte('>')
		b.WriteString(string(hop.To))
		b.WriteByte(';')
	}

	return b.String()
}

// rankPaths orders completed paths by flow weight descending, then hop
// count ascending, then the first diverging hop.
func rankPaths(found map[string]*models.FlowPath) []*models.FlowPath {
	paths := make([]*models.FlowPath, 0, len(found))
	for _, path := range found {
		paths = append(paths, path)
	}

	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if len(a.Hops) != len(b.Hops) {
			return len(a.Hops) < len(b.Hops)
		}

		return pathKey(a.Hops) < pathKey(b.Hops)
	})

	return paths
}

// clampLimit applies the request override against the configured hard
// cap.
func clampLimit(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}

	return requested
}
