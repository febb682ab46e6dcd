package build

import (
	"sort"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// SubLoggerManager manages a set of subsystem loggers that all share
// the same set of log handlers. It implements the LeveledSubLogger
// interface so that per-subsystem levels can be driven from the debug
// level config string.
type SubLoggerManager struct {
	genLogger func(tag string) btclog.Logger

	loggers SubLoggers
	mu      sync.Mutex
}

// NewSubLoggerManager constructs a manager whose subsystem loggers all
// write through the given handlers.
func NewSubLoggerManager(handlers ...btclog.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		loggers: make(SubLoggers),
		genLogger: func(tag string) btclog.Logger {
			set := newHandlerSet(btclog.LevelInfo, handlers...)

			return btclog.NewSLogger(set.SubSystem(tag))
		},
	}
}

// GenSubLogger returns the logger registered for the given subsystem
// tag, creating it on first use. When a shutdown callback is provided
// the logger is wrapped so that a critical error winds the daemon down.
func (r *SubLoggerManager) GenSubLogger(tag string,
	shutdown func()) btclog.Logger {

	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[tag]; ok {
		return logger
	}

	logger := r.genLogger(tag)
	if shutdown != nil {
		logger = NewShutdownLogger(logger, shutdown)
	}
	r.loggers[tag] = logger

	return logger
}

// SubLoggers returns all currently registered subsystem loggers for
// this manager.
//
// NOTE: this is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.loggers))
	for tag, logger := range r.loggers {
		loggers[tag] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
//
// NOTE: this is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	supportedSubsystems := make([]string, 0, len(r.loggers))
	for subsysID := range r.loggers {
		supportedSubsystems = append(supportedSubsystems, subsysID)
	}
	sort.Strings(supportedSubsystems)

	return supportedSubsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically
// created as needed.
//
// NOTE: this is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevel(subsysID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Ignore invalid subsystems.
	logger, ok := r.loggers[subsysID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the
// passed level. It also dynamically creates the subsystem loggers as
// needed, so it can be used to initialize the logging system.
//
// NOTE: this is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)

	for _, logger := range r.loggers {
		logger.SetLevel(level)
	}
}

// A compile time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)
