package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/taintlabs/taintd"
	"github.com/taintlabs/taintd/attribution"
	"github.com/taintlabs/taintd/build"
	"github.com/taintlabs/taintd/export"
	"github.com/taintlabs/taintd/scoring"
	"github.com/taintlabs/taintd/signal"
	"github.com/taintlabs/taintd/tdcfg"
	"github.com/taintlabs/taintd/tracer"
)

const (
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "taintd.log"

	// Defaults for the health check that pings the graph store
	// backend.
	defaultStoreInterval = time.Minute
	defaultStoreTimeout  = time.Second * 30
	defaultStoreBackoff  = time.Minute
	defaultStoreAttempts = 3

	// Defaults for a health check which ensures that we have space
	// available on disk for the log directory. The check is off by
	// default, but the other values are set so that it can be enabled
	// with sane defaults.
	defaultRequiredDisk = 0.1
	defaultDiskInterval = time.Hour * 12
	defaultDiskTimeout  = time.Second * 5
	defaultDiskBackoff  = time.Minute
	defaultDiskAttempts = 0
)

var (
	// defaultTaintdDir is the default directory where taintd tries to
	// find its configuration file and defaults to ~/.taintd on POSIX
	// systems.
	defaultTaintdDir = btcutil.AppDataDir("taintd", false)

	// defaultConfigFile is the default full path of taintd's
	// configuration file.
	defaultConfigFile = filepath.Join(
		defaultTaintdDir, tdcfg.DefaultConfigFilename,
	)

	defaultLogDir = filepath.Join(defaultTaintdDir, defaultLogDirname)
)

// config defines the configuration options for taintd.
//
// See loadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	TaintdDir  string `long:"taintddir" description:"The base directory that contains taintd's configuration file, logs, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile" description:"Enable HTTP profiling on either a port or host:port"`

	Store *tdcfg.Store `group:"store" namespace:"store"`

	AllowCoinbase bool `long:"allowcoinbase" description:"Accept transactions without inputs as coinbase rewards instead of rejecting them."`

	RecomputeInterval time.Duration `long:"recomputeinterval" description:"How often to check for new ingests and refresh entity attribution and risk scores."`

	Attribution *tdcfg.Attribution `group:"attribution" namespace:"attribution"`
	Scoring     *tdcfg.Scoring     `group:"scoring" namespace:"scoring"`
	Trace       *tdcfg.Trace       `group:"trace" namespace:"trace"`
	Export      *tdcfg.Export      `group:"export" namespace:"export"`

	HealthChecks *tdcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	Prometheus tdcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	// LogRotator is the log rotator the file log handler writes
	// through. It must be closed on shutdown.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr is the root logger that all of the daemon's subloggers
	// are hooked up to.
	SubLogMgr *build.SubLoggerManager
}

// defaultConfig returns all default values for the config struct.
func defaultConfig() config {
	return config{
		TaintdDir:         defaultTaintdDir,
		ConfigFile:        defaultConfigFile,
		LogDir:            defaultLogDir,
		LogConfig:         build.DefaultLogConfig(),
		DebugLevel:        defaultLogLevel,
		Store:             tdcfg.DefaultStore(),
		RecomputeInterval: taintd.DefaultRecomputeInterval,
		Attribution: &tdcfg.Attribution{
			MinMixInputs:      attribution.DefaultMinMixInputs,
			MinUniformOutputs: attribution.DefaultMinUniformOutputs,
		},
		Scoring: &tdcfg.Scoring{
			Decay:   scoring.DefaultDecay,
			Epsilon: scoring.DefaultEpsilon,
			MaxHops: scoring.DefaultMaxHops,
			TopK:    scoring.DefaultTopK,
		},
		Trace: &tdcfg.Trace{
			Decay:      tracer.DefaultDecay,
			MaxHops:    tracer.DefaultMaxHops,
			MaxBranch:  tracer.DefaultMaxBranch,
			MaxPaths:   tracer.DefaultMaxPaths,
			MaxVisited: tracer.DefaultMaxVisited,
		},
		Export: &tdcfg.Export{
			MaxNodes: export.DefaultMaxNodes,
			MaxHops:  export.DefaultMaxHops,
		},
		HealthChecks: &tdcfg.HealthCheckConfig{
			StoreCheck: &tdcfg.CheckConfig{
				Interval: defaultStoreInterval,
				Timeout:  defaultStoreTimeout,
				Attempts: defaultStoreAttempts,
				Backoff:  defaultStoreBackoff,
			},
			DiskCheck: &tdcfg.DiskCheckConfig{
				RequiredRemaining: defaultRequiredDisk,
				CheckConfig: &tdcfg.CheckConfig{
					Interval: defaultDiskInterval,
					Attempts: defaultDiskAttempts,
					Timeout:  defaultDiskTimeout,
					Backoff:  defaultDiskBackoff,
				},
			},
		},
		Prometheus: tdcfg.DefaultPrometheus(),
		LogRotator: build.NewRotatingLogWriter(),
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(interceptor signal.Interceptor) (*config, error) {
	// Pre-parse the command line options to pick up an alternative
	// config file.
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their taintddir, then we should assume they intend to
	// use the config file within it.
	configFileDir := tdcfg.CleanAndExpandPath(preCfg.TaintdDir)
	configFilePath := tdcfg.CleanAndExpandPath(preCfg.ConfigFile)
	switch {
	// User specified --taintddir but no --configfile. Update the config
	// file path to the taintd config directory, but don't require it to
	// exist.
	case configFileDir != defaultTaintdDir &&
		configFilePath == defaultConfigFile:

		configFilePath = filepath.Join(
			configFileDir, tdcfg.DefaultConfigFilename,
		)

	// User did specify an explicit --configfile, so we check that it
	// does exist under that path to avoid surprises.
	case configFilePath != defaultConfigFile:
		if !fileExists(configFilePath) {
			return nil, fmt.Errorf("specified config file does "+
				"not exist in %s", configFilePath)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the
		// config file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	flagParser := flags.NewParser(&cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := validateConfig(cfg, interceptor)
	var usageErr *tdcfg.UsageError
	if errors.As(err, &usageErr) {
		// The logging system might not yet be initialized, so we
		// also write to stderr to make sure the error appears
		// somewhere.
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		log.Warnf("Incorrect usage: %v", usageMessage)

		// The log subsystem might not yet be initialized. But we
		// definitely want to return the error here, to make sure
		// the daemon doesn't start with an invalid configuration.
		log.Warnf("Error validating config: %v", err)

		return nil, err
	}
	if err != nil {
		// The log subsystem might not yet be initialized, so we also
		// write to stderr to make sure the error appears somewhere.
		_, _ = fmt.Fprintln(os.Stderr, err)
		log.Warnf("Error validating config: %v", err)

		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// validateConfig checks the given configuration to be sane. This makes
// sure no illegal values or combination of values are set. All file
// system paths are normalized. The cleaned up config is returned on
// success.
func validateConfig(cfg config, interceptor signal.Interceptor) (*config,
	error) {

	// Show a nicer error message if it's because a symlink is linked to
	// a directory that does not exist (probably because it's not
	// mounted).
	taintdDir := tdcfg.CleanAndExpandPath(cfg.TaintdDir)
	if err := makeDirectory(taintdDir); err != nil {
		return nil, err
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.LogDir = tdcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.CPUProfile = tdcfg.CleanAndExpandPath(cfg.CPUProfile)

	// If the taintd directory is not the default, we'll modify the path
	// to the log directory so it will live within it.
	if taintdDir != defaultTaintdDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(taintdDir, defaultLogDirname)
	}

	// Validate the subconfigs.
	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, mkErr("error validating logging config: %v", err)
	}
	err := tdcfg.Validate(
		cfg.Store,
		cfg.HealthChecks,
	)
	if err != nil {
		return nil, mkErr("%v", err)
	}

	// Initialise logging. The sub logger manager distributes log lines
	// to the console and the rotating log file.
	cfg.SubLogMgr = build.NewSubLoggerManager(build.NewDefaultLogHandlers(
		cfg.LogConfig, cfg.LogRotator,
	)...)

	// Initialize logging at the default logging level.
	taintd.SetupLoggers(cfg.SubLogMgr, interceptor)

	// From here on the daemon logs through the engine subsystem logger
	// registered above.
	log = cfg.SubLogMgr.GenSubLogger(taintd.Subsystem, nil)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err = cfg.LogRotator.InitLogRotator(
		cfg.LogConfig.File,
		filepath.Join(cfg.LogDir, defaultLogFilename),
	)
	if err != nil {
		str := "log rotation setup failed: %v"

		return nil, mkErr(str, err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		str := "error parsing debug level: %v"

		return nil, &tdcfg.UsageError{Err: mkErr(str, err)}
	}

	// All good, return the sanitized result.
	return &cfg, nil
}

// makeDirectory creates the directory provided if it doesn't exist and
// returns all errors the user needs to know about.
func makeDirectory(dir string) error {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably
		// because it's not mounted).
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && os.IsExist(err) {
			link, lerr := os.Readlink(pathErr.Path)
			if lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, pathErr.Path, link)
			}
		}

		str := "failed to create taintd directory '%s': %v"
		err = fmt.Errorf(str, dir, err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// mkErr makes it easy to create new error objects by using the same
// error pattern over and over.
func mkErr(format string, args ...any) error {
	return fmt.Errorf("error validating config: "+format, args...)
}
