// Package logger owns the process-wide zerolog logger. Components take a
// child of it through WithComponent and pass that down explicitly.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. It logs JSON at info level until Init
// is called.
var Logger = New(os.Stdout, zerolog.InfoLevel, false)

// ParseLevel maps a level name to a zerolog level. "warning" is accepted as
// an alias of "warn".
func ParseLevel(level string) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	switch lvl, err := zerolog.ParseLevel(name); {
	case err != nil:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	case lvl < zerolog.TraceLevel || lvl > zerolog.ErrorLevel:
		// Panic, fatal, disabled and the empty string are not useful here
		return zerolog.NoLevel, fmt.Errorf("unsupported log level %q", level)
	default:
		return lvl, nil
	}
}

// New builds a logger writing to w. pretty switches to the human readable
// console format.
func New(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Init replaces the process-wide logger, including zerolog's global one
func Init(level string, pretty bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	// The global level gates every logger, trace included
	zerolog.SetGlobalLevel(lvl)
	Logger = New(os.Stdout, lvl, pretty).With().Caller().Logger()
	log.Logger = Logger
	return nil
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
