package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/taintlabs/taintd"
	"github.com/taintlabs/taintd/attribution"
	"github.com/taintlabs/taintd/build"
	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/graph/neostore"
	"github.com/taintlabs/taintd/monitoring"
	"github.com/taintlabs/taintd/scoring"
	"github.com/taintlabs/taintd/signal"
	"github.com/taintlabs/taintd/tdcfg"
	"github.com/taintlabs/taintd/tracer"
)

// storeCloseTimeout bounds how long shutdown waits for the graph store
// to release its backend connections.
const storeCloseTimeout = 10 * time.Second

func main() {
	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load the configuration, and parse any command line options. This
	// function will also set up logging properly.
	cfg, err := loadConfig(interceptor)
	if err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) ||
			flagsErr.Type != flags.ErrHelp {

			// Print error if not due to help request.
			err = fmt.Errorf("failed to load config: %w", err)
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Help was requested, exit normally.
		os.Exit(0)
	}

	// Call the "real" main in a nested manner so the defers will
	// properly be executed in the case of a graceful shutdown.
	if err := taintdMain(cfg, interceptor); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// taintdMain is the true entry point for taintd. This function is
// required since defers created in the top-level scope of a main method
// aren't executed if os.Exit() is called.
func taintdMain(cfg *config, interceptor signal.Interceptor) error {
	defer func() {
		log.Info("Shutdown complete")

		err := cfg.LogRotator.Close()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"Could not close log rotator: %v\n", err)
		}
	}()

	// Show version at startup.
	log.Infof("Version: %s commit=%s, debuglevel=%s", build.Version(),
		build.Commit, cfg.DebugLevel)

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			listenAddr := cfg.Profile
			if _, _, err := net.SplitHostPort(listenAddr); err != nil {
				listenAddr = net.JoinHostPort("", listenAddr)
			}

			profileRedirect := http.RedirectHandler(
				"/debug/pprof", http.StatusSeeOther,
			)
			http.Handle("/", profileRedirect)

			log.Infof("Pprof server listening on %v", listenAddr)
			fmt.Println(http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Write cpu profile if requested.
	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return fmt.Errorf("unable to create CPU profile: %w",
				err)
		}
		_ = pprof.StartCPUProfile(f)
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	// Cancel the daemon context as soon as shutdown is requested so
	// that a hanging backend connect aborts instead of blocking the
	// shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	// Open the graph store that backs all of the analytics subsystems.
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to open graph store: %w", err)
	}
	defer cleanup()

	// Bring up the analytics engine on top of the store.
	engine, err := taintd.NewEngine(engineConfig(cfg, store))
	if err != nil {
		return fmt.Errorf("unable to create engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return fmt.Errorf("unable to start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.Errorf("Engine shutdown failed: %v", err)
		}
	}()

	// Run the liveness monitor, which winds the daemon down when a
	// health check keeps failing.
	livenessMonitor := createLivenessMonitor(cfg, store)
	if err := livenessMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start liveness monitor: %w", err)
	}
	defer func() {
		if err := livenessMonitor.Stop(); err != nil {
			log.Errorf("Liveness monitor shutdown failed: %v", err)
		}
	}()

	// Start prometheus exporter if it is enabled. The exporter serves
	// the graph collector on top of the shared store.
	if cfg.Prometheus.Enabled() {
		err := monitoring.ExportPrometheusMetrics(
			store, cfg.Prometheus,
		)
		if err != nil {
			return err
		}
	}

	// Wait for shutdown signal from either a graceful daemon stop or
	// from the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

// openStore constructs the graph store selected by the backend config.
// The returned cleanup releases backend connections and must be called
// once the store is no longer in use.
func openStore(ctx context.Context, cfg *config) (graph.Store, func(),
	error) {

	switch cfg.Store.Backend {
	case tdcfg.Neo4jBackend:
		store, err := neostore.New(ctx, neostore.Config{
			URI:      cfg.Store.Neo4j.URI,
			User:     cfg.Store.Neo4j.User,
			Password: cfg.Store.Neo4j.Password,
			Database: cfg.Store.Neo4j.Database,
		})
		if err != nil {
			return nil, nil, err
		}

		// Make sure constraints and indexes exist before the first
		// write hits the database.
		if err := store.InitSchema(ctx); err != nil {
			if cerr := store.Close(ctx); cerr != nil {
				log.Errorf("Unable to close graph store: %v",
					cerr)
			}

			return nil, nil, err
		}

		cleanup := func() {
			ctx, cancel := context.WithTimeout(
				context.Background(), storeCloseTimeout,
			)
			defer cancel()

			if err := store.Close(ctx); err != nil {
				log.Errorf("Unable to close graph store: %v",
					err)
			}
		}

		return store, cleanup, nil

	case tdcfg.MemBackend:
		log.Warnf("Using in-memory graph store, all graph data is " +
			"lost on shutdown")

		return memstore.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %v",
			cfg.Store.Backend)
	}
}

// createLivenessMonitor creates a set of health checks which we wish to
// conduct on our sub-systems which we periodically run and take action
// upon failure. A failed check logs at critical level, which requests
// daemon shutdown.
func createLivenessMonitor(cfg *config,
	store graph.Store) *healthcheck.Monitor {

	storeCheck := healthcheck.NewObservation(
		"graph store",
		func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(),
				cfg.HealthChecks.StoreCheck.Timeout,
			)
			defer cancel()

			return store.Ping(ctx)
		},
		cfg.HealthChecks.StoreCheck.Interval,
		cfg.HealthChecks.StoreCheck.Timeout,
		cfg.HealthChecks.StoreCheck.Backoff,
		cfg.HealthChecks.StoreCheck.Attempts,
	)

	diskCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(
				cfg.LogDir,
			)
			if err != nil {
				return err
			}

			// If we have more free space than we require, we
			// return a nil error.
			required := cfg.HealthChecks.DiskCheck.RequiredRemaining
			if free > required {
				return nil
			}

			return fmt.Errorf("require: %v free space, got: %v",
				required, free)
		},
		cfg.HealthChecks.DiskCheck.Interval,
		cfg.HealthChecks.DiskCheck.Timeout,
		cfg.HealthChecks.DiskCheck.Backoff,
		cfg.HealthChecks.DiskCheck.Attempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			storeCheck, diskCheck,
		},
		Shutdown: func(format string, params ...interface{}) {
			log.Criticalf(format, params...)
		},
	})
}

// engineConfig assembles the analytics engine config described by the
// sanitized daemon config on top of the given store.
func engineConfig(cfg *config, store graph.Store) taintd.Config {
	denylist := make([]models.AddrID, 0, len(cfg.Attribution.Denylist))
	for _, addr := range cfg.Attribution.Denylist {
		denylist = append(denylist, models.AddrID(addr))
	}

	return taintd.Config{
		Store:         store,
		AllowCoinbase: cfg.AllowCoinbase,
		Exclusion: attribution.ExclusionConfig{
			MinInputs:         cfg.Attribution.MinMixInputs,
			MinUniformOutputs: cfg.Attribution.MinUniformOutputs,
			Denylist:          denylist,
		},
		Scoring: scoring.Params{
			Decay:   cfg.Scoring.Decay,
			Epsilon: cfg.Scoring.Epsilon,
			MaxHops: cfg.Scoring.MaxHops,
			TopK:    cfg.Scoring.TopK,
		},
		Trace: tracer.Config{
			Store:      store,
			Decay:      cfg.Trace.Decay,
			MaxHops:    cfg.Trace.MaxHops,
			MaxBranch:  cfg.Trace.MaxBranch,
			MaxPaths:   cfg.Trace.MaxPaths,
			MaxVisited: cfg.Trace.MaxVisited,
		},
		Export: export.Config{
			Store:    store,
			MaxNodes: cfg.Export.MaxNodes,
			MaxHops:  cfg.Export.MaxHops,
		},
		RecomputeInterval: cfg.RecomputeInterval,
	}
}
