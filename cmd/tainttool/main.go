package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/taintlabs/taintd"
	"github.com/taintlabs/taintd/build"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/neostore"
	"github.com/taintlabs/taintd/scoring"
	"github.com/taintlabs/taintd/tdcfg"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[tainttool] %v\n", err)
	os.Exit(1)
}

// status writes a progress line to stderr, keeping stdout pure JSON.
func status(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[tainttool] "+format+"\n", args...)
}

func printRespJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "\t")
	_, _ = out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

func main() {
	app := cli.NewApp()
	app.Name = "tainttool"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "one-shot queries against a taint analytics graph"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "store",
			Value: tdcfg.MemBackend,
			Usage: "graph store backend, either mem or neo4j",
		},
		cli.StringFlag{
			Name:  "neo4j.uri",
			Value: tdcfg.DefaultNeo4jURI,
			Usage: "bolt/neo4j URI of the graph database",
		},
		cli.StringFlag{
			Name:  "neo4j.user",
			Value: tdcfg.DefaultNeo4jUser,
			Usage: "neo4j user for authentication",
		},
		cli.StringFlag{
			Name: "neo4j.password",
			Usage: "neo4j password for authentication. Required " +
				"unless neo4j authentication is disabled",
		},
		cli.StringFlag{
			Name: "neo4j.database",
			Usage: "neo4j database name, empty for the server " +
				"default",
		},
		cli.StringFlag{
			Name: "txfile",
			Usage: "path to a JSONL transaction dump to load " +
				"before the command runs, one fully resolved " +
				"transaction per line",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "labelfile",
			Usage: "path to a JSONL address label dump to load " +
				"before the command runs, one label per line",
			TakesFile: true,
		},
		cli.BoolFlag{
			Name: "allowcoinbase",
			Usage: "accept dumped transactions without inputs " +
				"as coinbase rewards",
		},
		cli.BoolFlag{
			Name: "recompute",
			Usage: "rebuild entity attribution and risk scores " +
				"before answering. Implied when a dump file " +
				"is loaded",
		},
		cli.DurationFlag{
			Name: "timeout",
			Usage: "bound the command's query time, zero for " +
				"no bound",
		},
	}
	app.Commands = []cli.Command{
		scoreCommand,
		traceCommand,
		exportCommand,
		attributionCommand,
		statsCommand,
		searchCommand,
		connectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// getEngine opens the configured store, loads any requested dump files
// and hands back a started engine. The returned cleanup stops the
// engine and closes the store.
func getEngine(ctx *cli.Context) (*taintd.Engine, func()) {
	ctxb := context.Background()

	store, closeStore, err := openStore(ctxb, ctx)
	if err != nil {
		fatal(err)
	}

	cfg := taintd.DefaultConfig(store)
	cfg.AllowCoinbase = ctx.GlobalBool("allowcoinbase")

	engine, err := taintd.NewEngine(cfg)
	if err != nil {
		closeStore()
		fatal(err)
	}
	if err := engine.Start(); err != nil {
		closeStore()
		fatal(err)
	}

	cleanUp := func() {
		if err := engine.Stop(); err != nil {
			status("engine shutdown failed: %v", err)
		}
		closeStore()
	}

	// Load the dump files first so the command's queries see their
	// content.
	var loaded bool
	if txFile := ctx.GlobalString("txfile"); txFile != "" {
		n, err := loadTransactionDump(ctxb, engine, txFile)
		if err != nil {
			cleanUp()
			fatal(err)
		}

		status("loaded %d transactions from %s", n, txFile)
		loaded = true
	}
	if labelFile := ctx.GlobalString("labelfile"); labelFile != "" {
		n, err := loadLabelDump(ctxb, engine, labelFile)
		if err != nil {
			cleanUp()
			fatal(err)
		}

		status("loaded %d labels from %s", n, labelFile)
		loaded = true
	}

	// A freshly loaded dump has neither clusters nor scores yet, so
	// run a recompute cycle before answering.
	if loaded || ctx.GlobalBool("recompute") {
		if err := recompute(ctxb, engine); err != nil {
			cleanUp()
			fatal(err)
		}
	}

	return engine, cleanUp
}

// openStore constructs the graph store selected by the global store
// flag.
func openStore(ctxb context.Context, ctx *cli.Context) (graph.Store,
	func(), error) {

	switch backend := ctx.GlobalString("store"); backend {
	case tdcfg.Neo4jBackend:
		store, err := neostore.New(ctxb, neostore.Config{
			URI:      ctx.GlobalString("neo4j.uri"),
			User:     ctx.GlobalString("neo4j.user"),
			Password: ctx.GlobalString("neo4j.password"),
			Database: ctx.GlobalString("neo4j.database"),
		})
		if err != nil {
			return nil, nil, err
		}

		if err := store.InitSchema(ctxb); err != nil {
			_ = store.Close(ctxb)
			return nil, nil, err
		}

		cleanup := func() {
			if err := store.Close(ctxb); err != nil {
				status("unable to close graph store: %v", err)
			}
		}

		return store, cleanup, nil

	case tdcfg.MemBackend:
		return memstore.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q",
			backend)
	}
}

// recompute runs one attribution pass and, when risky labels exist to
// seed it, one scoring pass, waiting for both to finish.
func recompute(ctxb context.Context, engine *taintd.Engine) error {
	job, err := engine.RunAttribution(ctxb)
	if err != nil {
		return err
	}
	if _, err := job.Wait(ctxb); err != nil {
		return fmt.Errorf("attribution failed: %w", err)
	}

	seeds, err := engine.SeedsFromLabels(ctxb)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		status("no risky labels, skipping the scoring pass")
		return nil
	}

	job, err = engine.RunScoring(ctxb, seeds, scoring.DefaultParams())
	if err != nil {
		return err
	}
	if _, err := job.Wait(ctxb); err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}

	return nil
}

// cmdContext returns the context a command's queries run under, bounded
// by the global timeout flag when one is set.
func cmdContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	timeout := ctx.GlobalDuration("timeout")
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}

	return context.WithCancel(context.Background())
}
