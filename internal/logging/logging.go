// Package logging builds the process-wide zerolog logger and the
// context-attachment helpers every component uses to log with structured
// fields instead of formatted strings.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (os.Stdout in production) at the
// given level ("debug", "info", "warn", "error"; defaults to "info").
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with component=name, the way
// each of CS/RA/SE/DC/OR identifies its own log lines.
func WithComponent(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Attach stores l on ctx so downstream calls can recover it with FromContext.
func Attach(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext recovers the logger attached to ctx. If none was attached it
// returns zerolog.DefaultContextLogger, or a disabled logger when that is nil.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
