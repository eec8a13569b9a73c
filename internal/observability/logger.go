// Package observability provides the collector's structured logging and
// metrics primitives.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "message"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
}

// NewLogger builds the process root logger emitting one JSON object per
// line with level, ts (unix ms), logger, and message fields. Unknown level
// strings fall back to info.
func NewLogger(level string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component derives a named sub-logger for one collector component.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("logger", name).Logger()
}
