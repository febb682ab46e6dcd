package build

import (
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandlers returns the standard console handler and
// rotating log file handler that we generally want to use, with the
// config options applied to each.
func NewDefaultLogHandlers(cfg *LogConfig,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler
	if !cfg.Console.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			os.Stdout, cfg.Console.HandlerOptions()...,
		))
	}
	if !cfg.File.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		))
	}

	return handlers
}
