package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Clock supplies record timestamps. core.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// Options controls how New builds a logger.
type Options struct {
	// Debug enables debug level logging and source locations.
	Debug bool
	// Format is "text" (default) or "json".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// Clock, when set, replaces the record time.
	Clock Clock
}

// New builds a logger from opts. Components receive the returned logger
// instead of reaching for a process-wide one.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level: level,
		// Add source file information if in debug mode
		AddSource: level == slog.LevelDebug,
	}
	if opts.Clock != nil {
		clock := opts.Clock
		handlerOpts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Time(slog.TimeKey, clock.Now())
			}
			return a
		}
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
