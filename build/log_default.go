//go:build !stdlog
// +build !stdlog

package build

import "os"

// LoggingType is a log type that writes to both stdout and the log
// rotator, if present.
const LoggingType = LogTypeDefault

// LogLevel is the default logging level for this build type.
const LogLevel = "info"

// Write writes the provided byte slice to stdout and the log rotator
// pipe when one has been attached.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}

	return len(b), nil
}
