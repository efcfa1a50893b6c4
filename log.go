package iotests

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger. nil means the default derived from
// slog.Default().
var logger atomic.Pointer[slog.Logger]

// Logger returns the package-level logger.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default().With("component", "iotests")
}

// SetLogger replaces the package-level logger. A nil l restores the default,
// slog.Default() with a "component" attribute.
//
// Call it before launching VMs, typically from TestMain.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}
