package tdcfg

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigFilename is the default configuration file name taintd
	// tries to load.
	DefaultConfigFilename = "taintd.conf"
)

// UsageError is an error type that signals a problem with the supplied
// flags.
type UsageError struct {
	// Err is the error that occurred.
	Err error
}

// Error returns the error string.
//
// NOTE: This is part of the error interface.
func (u *UsageError) Error() string {
	return u.Err.Error()
}

// Unwrap returns the underlying error.
func (u *UsageError) Unwrap() error {
	return u.Err
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
