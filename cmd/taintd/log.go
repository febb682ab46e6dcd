package main

import "github.com/btcsuite/btclog/v2"

// log is the daemon logger. It stays disabled until validateConfig has
// brought up the logging subsystem, from then on it is the engine
// subsystem logger.
var log btclog.Logger = btclog.Disabled
