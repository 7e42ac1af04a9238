// Package logger builds the process-wide zerolog.Logger used by every
// service daemon.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string
	Pretty bool
}

// New builds a zerolog.Logger and sets the package-global level.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w = os.Stdout
	var out zerolog.Logger
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			With().Timestamp().Caller().Logger()
	} else {
		out = zerolog.New(w).With().Timestamp().Caller().Logger()
	}
	return out
}

// SetGlobalLogger installs l as zerolog.DefaultContextLogger, the logger
// zerolog.Ctx returns for a context that carries none. It does not
// change the logger behind the zerolog/log package functions.
func SetGlobalLogger(l zerolog.Logger) {
	zerolog.DefaultContextLogger = &l
}
