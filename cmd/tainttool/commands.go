package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/tracer"
)

// parseNode interprets a command argument as a node id. A bare string
// is an address, the addr: and ent: prefixes select the kind
// explicitly.
func parseNode(arg string) (models.NodeID, error) {
	if strings.HasPrefix(arg, "addr:") || strings.HasPrefix(arg, "ent:") {
		return models.ParseNodeID(arg)
	}

	return models.AddrNode(models.AddrID(arg)), nil
}

// parseTime accepts a timestamp as RFC3339 or as unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Parse(time.RFC3339, s)
}

// fmtTime renders a timestamp in RFC3339, empty for the zero value.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

type seedShareJSON struct {
	Seed  string  `json:"seed"`
	Share float64 `json:"share"`
}

type scoreJSON struct {
	Node       string          `json:"node"`
	Value      float64         `json:"value"`
	TopSeeds   []seedShareJSON `json:"top_seeds,omitempty"`
	ComputedAt string          `json:"computed_at"`
}

func newScoreJSON(score *models.RiskScore) scoreJSON {
	resp := scoreJSON{
		Node:       score.Node.String(),
		Value:      score.Value,
		ComputedAt: fmtTime(score.ComputedAt),
	}
	for _, seed := range score.TopSeeds {
		resp.TopSeeds = append(resp.TopSeeds, seedShareJSON{
			Seed:  string(seed.Seed),
			Share: seed.Share,
		})
	}

	return resp
}

var scoreCommand = cli.Command{
	Name:      "score",
	Category:  "Risk",
	Usage:     "Look up the current risk score of an address or entity.",
	ArgsUsage: "node",
	Description: `
	Returns the stored risk score of the given node. A bare argument is
	treated as an address, the ent: prefix addresses an entity cluster
	directly. An address attributed to an entity is scored through its
	entity, so both forms resolve to the same score.`,
	Action: score,
}

func score(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "score")
	}

	node, err := parseNode(ctx.Args().First())
	if err != nil {
		return err
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	score, err := engine.ScoreOf(ctxb, node)
	if err != nil {
		return err
	}

	printRespJSON(newScoreJSON(score))

	return nil
}

type hopJSON struct {
	TxID     string `json:"txid"`
	Time     string `json:"time"`
	From     string `json:"from"`
	To       string `json:"to"`
	ValueSat int64  `json:"value_sat"`
}

type pathJSON struct {
	Hops     []hopJSON `json:"hops"`
	ValueSat int64     `json:"value_sat"`
	Weight   float64   `json:"weight"`
}

type traceResponse struct {
	Paths     []pathJSON `json:"paths"`
	Truncated bool       `json:"truncated"`
	Expanded  int        `json:"expanded"`
}

var traceCommand = cli.Command{
	Name:      "trace",
	Category:  "Flows",
	Usage:     "Trace plausible funds flows between two nodes.",
	ArgsUsage: "source dest",
	Description: `
	Enumerates time-respecting flow paths from source to dest, ranked by
	decayed flow weight. Either endpoint may be an entity (ent: prefix),
	which stands for all of its member addresses. An empty path list
	means no flow was found within the limits, the truncated flag tells
	whether the search was cut short.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "start",
			Usage: "only follow transactions at or after this " +
				"time, RFC3339 or unix seconds",
		},
		cli.StringFlag{
			Name: "end",
			Usage: "only follow transactions at or before this " +
				"time, RFC3339 or unix seconds",
		},
		cli.IntFlag{
			Name: "maxhops",
			Usage: "cap the hop count of a path, zero for the " +
				"configured default",
		},
		cli.IntFlag{
			Name: "maxbranch",
			Usage: "cap the fan-out per expansion, zero for the " +
				"configured default",
		},
	},
	Action: trace,
}

func trace(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "trace")
	}

	source, err := parseNode(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	dest, err := parseNode(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	req := &tracer.Request{
		Source:    source,
		Dest:      dest,
		MaxHops:   ctx.Int("maxhops"),
		MaxBranch: ctx.Int("maxbranch"),
	}
	if s := ctx.String("start"); s != "" {
		req.Window.Start, err = parseTime(s)
		if err != nil {
			return err
		}
	}
	if s := ctx.String("end"); s != "" {
		req.Window.End, err = parseTime(s)
		if err != nil {
			return err
		}
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	result, err := engine.Trace(ctxb, req)
	if err != nil {
		return err
	}

	resp := traceResponse{
		Paths:     make([]pathJSON, 0, len(result.Paths)),
		Truncated: result.Truncated,
		Expanded:  result.Expanded,
	}
	for _, path := range result.Paths {
		p := pathJSON{
			ValueSat: int64(path.Value),
			Weight:   path.Weight,
		}
		for _, hop := range path.Hops {
			p.Hops = append(p.Hops, hopJSON{
				TxID:     hop.TxID.String(),
				Time:     fmtTime(hop.Time),
				From:     string(hop.From),
				To:       string(hop.To),
				ValueSat: int64(hop.Value),
			})
		}
		resp.Paths = append(resp.Paths, p)
	}

	printRespJSON(resp)

	return nil
}

type addressJSON struct {
	ID        string `json:"id"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
	TxCount   int64  `json:"tx_count"`
}

type txInJSON struct {
	PrevTxID  string `json:"prev_txid"`
	PrevIndex uint32 `json:"prev_index"`
	Addr      string `json:"addr"`
	ValueSat  int64  `json:"value_sat"`
}

type txOutJSON struct {
	Addr     string `json:"addr"`
	ValueSat int64  `json:"value_sat"`
}

type transactionJSON struct {
	TxID    string      `json:"txid"`
	Time    string      `json:"time"`
	Inputs  []txInJSON  `json:"inputs"`
	Outputs []txOutJSON `json:"outputs"`
}

type entityJSON struct {
	ID          string   `json:"id"`
	Members     []string `json:"members"`
	Label       string   `json:"label,omitempty"`
	Category    string   `json:"category"`
	Conflict    bool     `json:"conflict,omitempty"`
	GeneratedAt string   `json:"generated_at"`
}

func newEntityJSON(ent *models.Entity) entityJSON {
	resp := entityJSON{
		ID:          string(ent.ID),
		Members:     make([]string, 0, len(ent.Members)),
		Label:       ent.Label.UnwrapOr(""),
		Category:    ent.Category.String(),
		Conflict:    ent.Conflict,
		GeneratedAt: fmtTime(ent.GeneratedAt),
	}
	for _, member := range ent.Members {
		resp.Members = append(resp.Members, string(member))
	}

	return resp
}

type labelJSON struct {
	Addr       string  `json:"addr"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

type subgraphResponse struct {
	Addresses    []addressJSON     `json:"addresses"`
	Transactions []transactionJSON `json:"transactions"`
	Entities     []entityJSON      `json:"entities"`
	Labels       []labelJSON       `json:"labels"`
	Scores       []scoreJSON       `json:"scores"`
	Truncated    bool              `json:"truncated"`
}

var exportCommand = cli.Command{
	Name:      "export",
	Category:  "Graph",
	Usage:     "Export the neighborhood of one or more nodes.",
	ArgsUsage: "root [root...]",
	Description: `
	Materializes a bounded, self-contained subgraph around the given
	roots. Every exported transaction carries all of its addresses and
	every exported address carries its entity, labels and score, so the
	output can be handed to visualization tooling as-is.`,
	Flags: []cli.Flag{
		cli.IntFlag{
			Name: "maxnodes",
			Usage: "cap the number of exported nodes, zero for " +
				"the configured default",
		},
		cli.IntFlag{
			Name: "maxhops",
			Usage: "cap the expansion depth, zero for the " +
				"configured default",
		},
	},
	Action: exportSubgraph,
}

func exportSubgraph(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "export")
	}

	req := &export.Request{
		MaxNodes: ctx.Int("maxnodes"),
		MaxHops:  ctx.Int("maxhops"),
	}
	for _, arg := range ctx.Args() {
		root, err := parseNode(arg)
		if err != nil {
			return err
		}
		req.Roots = append(req.Roots, root)
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	subgraph, err := engine.ExportSubgraph(ctxb, req)
	if err != nil {
		return err
	}

	resp := subgraphResponse{
		Addresses:    make([]addressJSON, 0, len(subgraph.Addresses)),
		Transactions: make([]transactionJSON, 0, len(subgraph.Transactions)),
		Entities:     make([]entityJSON, 0, len(subgraph.Entities)),
		Labels:       make([]labelJSON, 0, len(subgraph.Labels)),
		Scores:       make([]scoreJSON, 0, len(subgraph.Scores)),
		Truncated:    subgraph.Truncated,
	}
	for _, addr := range subgraph.Addresses {
		resp.Addresses = append(resp.Addresses, addressJSON{
			ID:        string(addr.ID),
			FirstSeen: fmtTime(addr.FirstSeen),
			LastSeen:  fmtTime(addr.LastSeen),
			TxCount:   addr.TxCount,
		})
	}
	for _, tx := range subgraph.Transactions {
		t := transactionJSON{
			TxID: tx.TxID.String(),
			Time: fmtTime(tx.Time),
		}
		for _, in := range tx.Inputs {
			t.Inputs = append(t.Inputs, txInJSON{
				PrevTxID:  in.PrevOut.Hash.String(),
				PrevIndex: in.PrevOut.Index,
				Addr:      string(in.Addr),
				ValueSat:  int64(in.Value),
			})
		}
		for _, out := range tx.Outputs {
			t.Outputs = append(t.Outputs, txOutJSON{
				Addr:     string(out.Addr),
				ValueSat: int64(out.Value),
			})
		}
		resp.Transactions = append(resp.Transactions, t)
	}
	for _, ent := range subgraph.Entities {
		resp.Entities = append(resp.Entities, newEntityJSON(ent))
	}
	for _, label := range subgraph.Labels {
		resp.Labels = append(resp.Labels, labelJSON{
			Addr:       string(label.Addr),
			Name:       label.Name,
			Category:   label.Category.String(),
			Source:     label.Source,
			Confidence: label.Confidence,
		})
	}
	for _, score := range subgraph.Scores {
		resp.Scores = append(resp.Scores, newScoreJSON(score))
	}

	printRespJSON(resp)

	return nil
}

var attributionCommand = cli.Command{
	Name:      "attribution",
	Category:  "Entities",
	Usage:     "Show the entity cluster an address belongs to.",
	ArgsUsage: "address",
	Action:    attributionOf,
}

func attributionOf(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "attribution")
	}
	addr := models.AddrID(ctx.Args().First())

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	entity, err := engine.AttributionOf(ctxb, addr)
	if err != nil {
		return err
	}

	printRespJSON(newEntityJSON(entity))

	return nil
}

type statsResponse struct {
	Addresses    int64  `json:"addresses"`
	Transactions int64  `json:"transactions"`
	Entities     int64  `json:"entities"`
	Labels       int64  `json:"labels"`
	Scores       int64  `json:"scores"`
	LastIngest   string `json:"last_ingest,omitempty"`
}

var statsCommand = cli.Command{
	Name:     "stats",
	Category: "Graph",
	Usage:    "Summarize the graph store contents.",
	Action:   stats,
}

func stats(ctx *cli.Context) error {
	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	graphStats, err := engine.Stats(ctxb)
	if err != nil {
		return err
	}

	printRespJSON(statsResponse{
		Addresses:    graphStats.Addresses,
		Transactions: graphStats.Transactions,
		Entities:     graphStats.Entities,
		Labels:       graphStats.Labels,
		Scores:       graphStats.Scores,
		LastIngest:   fmtTime(graphStats.LastIngest),
	})

	return nil
}

type searchResponse struct {
	Addresses []string `json:"addresses"`
}

var searchCommand = cli.Command{
	Name:      "search",
	Category:  "Graph",
	Usage:     "List known addresses with the given prefix.",
	ArgsUsage: "[prefix]",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "limit",
			Value: 25,
			Usage: "maximum number of addresses returned, zero " +
				"for all",
		},
	},
	Action: search,
}

func search(ctx *cli.Context) error {
	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	addrs, err := engine.SearchAddresses(
		ctxb, ctx.Args().First(), ctx.Int("limit"),
	)
	if err != nil {
		return err
	}

	resp := searchResponse{Addresses: make([]string, 0, len(addrs))}
	for _, addr := range addrs {
		resp.Addresses = append(resp.Addresses, string(addr))
	}

	printRespJSON(resp)

	return nil
}

type connectResponse struct {
	Path []string `json:"path"`
	Hops int      `json:"hops"`
}

var connectCommand = cli.Command{
	Name:      "connect",
	Category:  "Flows",
	Usage:     "Find the shortest co-occurrence chain between two addresses.",
	ArgsUsage: "address address",
	Description: `
	Finds the shortest chain of addresses linking the two arguments,
	where two addresses are linked when they appear in one transaction,
	on either side of it. Direction and time are ignored, this answers
	whether the addresses are connected at all rather than whether funds
	flowed.`,
	Action: connect,
}

func connect(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "connect")
	}

	engine, cleanUp := getEngine(ctx)
	defer cleanUp()

	ctxb, cancel := cmdContext(ctx)
	defer cancel()

	chain, err := engine.ShortestLink(
		ctxb,
		models.AddrID(ctx.Args().Get(0)),
		models.AddrID(ctx.Args().Get(1)),
	)
	if err != nil {
		return err
	}

	resp := connectResponse{
		Path: make([]string, 0, len(chain)),
		Hops: len(chain) - 1,
	}
	for _, addr := range chain {
		resp.Path = append(resp.Path, string(addr))
	}

	printRespJSON(resp)

	return nil
}
