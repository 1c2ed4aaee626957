// Package logging provides the per-module structured logger used across
// fluxflow, adapted from the teacher's log.NewModuleLogger convention
// (datasync/chaindatafetcher/chaindata_fetcher.go) onto zerolog.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu       sync.Mutex
	level    = zerolog.InfoLevel
	baseOnce sync.Once
	base     zerolog.Logger
)

// SetLevel adjusts the global minimum log level. Safe to call before any
// module logger has been constructed; loggers read the level lazily via
// the shared base logger.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	zerolog.SetGlobalLevel(level)
}

func baseLogger() zerolog.Logger {
	baseOnce.Do(func() {
		zerolog.SetGlobalLevel(level)
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return base
}

// NewModuleLogger returns a logger tagged with the given module name,
// mirroring the teacher's per-component logger instances (one per
// package: Classifier, Store, IndexerClient, ...).
func NewModuleLogger(module string) zerolog.Logger {
	return baseLogger().With().Str("module", module).Logger()
}
