// Package applog sets up structured logging for airlink, generalizing the
// teacher's bracket-tagged log.Printf calls ("[TIMING]", "[IDR]") into
// zerolog sub-loggers carrying a component field (SPEC_FULL.md §8).
package applog

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	global zerolog.Logger
)

// Init configures the process-global logger. Safe to call multiple times;
// only the first call takes effect.
func Init(level string, pretty bool) {
	once.Do(func() {
		var out interface{} = os.Stdout
		if pretty {
			out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
		}
		w, ok := out.(zerolog.ConsoleWriter)
		var logger zerolog.Logger
		if ok {
			logger = zerolog.New(w).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		}
		logger = logger.Level(parseLevel(level))
		global = logger
	})
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a sub-logger tagged with the given subsystem/component name.
// Init must have been called first; if not, a sane default logger is used
// so packages can log during tests without a main() wiring anything up.
func For(component string) zerolog.Logger {
	once.Do(func() {
		global = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	})
	return global.With().Str("component", component).Logger()
}
