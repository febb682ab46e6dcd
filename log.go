package taintd

import (
	"github.com/btcsuite/btclog/v2"

	"github.com/taintlabs/taintd/attribution"
	"github.com/taintlabs/taintd/build"
	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/graph/memstore"
	"github.com/taintlabs/taintd/graph/neostore"
	"github.com/taintlabs/taintd/ingest"
	"github.com/taintlabs/taintd/monitoring"
	"github.com/taintlabs/taintd/scoring"
	"github.com/taintlabs/taintd/signal"
	"github.com/taintlabs/taintd/tracer"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "TNTD"

// log is a logger that is initialized with the btclog.Disabled logger.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all logging output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// genSubLogger creates a logger for a subsystem. We provide an instance
// of a signal.Interceptor to be able to request shutdown in the case of
// a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Alive() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	AddSubLogger(root, Subsystem, interceptor, UseLogger)
	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, ingest.Subsystem, interceptor, ingest.UseLogger)
	AddSubLogger(
		root, attribution.Subsystem, interceptor,
		attribution.UseLogger,
	)
	AddSubLogger(root, scoring.Subsystem, interceptor, scoring.UseLogger)
	AddSubLogger(root, tracer.Subsystem, interceptor, tracer.UseLogger)
	AddSubLogger(root, export.Subsystem, interceptor, export.UseLogger)
	AddSubLogger(root, memstore.Subsystem, interceptor, memstore.UseLogger)
	AddSubLogger(root, neostore.Subsystem, interceptor, neostore.UseLogger)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger
	// instance, which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
