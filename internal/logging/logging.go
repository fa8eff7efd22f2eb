// Package logging provides a package-scoped zerolog logger shared by the
// storage core so every component logs with consistent field names.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// For returns a logger tagged with component, lazily configuring the
// process-wide zerolog output on first use (console-writer in a terminal,
// JSON otherwise is left to the caller of main to decide; the default here
// is plain JSON to stderr, matching how a long-running server would ship
// logs).
func For(component string) zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return logger.With().Str("component", component).Logger()
}
