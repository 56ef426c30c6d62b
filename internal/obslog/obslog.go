// Package obslog is the runtime's structured logger, grounded on the
// retrieval pack's zerolog wiring (joeycumines-go-utilpkg/logiface-zerolog
// uses github.com/rs/zerolog as its backend; this core talks to zerolog
// directly rather than through a logging-façade package, since the core
// is the only consumer). Logging calls only ever happen from worker-loop
// and timer-thread code between task executions - never from code
// running on a task stack (spec.md §5 hot-path hazard).
package obslog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// L returns the shared runtime logger, lazily built on first use with a
// sensible default (human-readable console writer, info level). Call
// Configure before any Runtime construction to override it.
func L() *zerolog.Logger {
	once.Do(func() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
			Level(zerolog.InfoLevel).
			With().Timestamp().Str("component", "gvthread").Logger()
	})
	return &logger
}

// Configure replaces the shared logger, e.g. to redirect to JSON output
// or raise the level in production. Must be called before Runtime.New.
func Configure(l zerolog.Logger) {
	once.Do(func() {}) // ensure default init never clobbers an explicit Configure
	logger = l
}
