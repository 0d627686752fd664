package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File receives log output instead of stdout when set.
	File   string
	Unsafe bool
}

var unsafeLogging atomic.Bool

// Setup builds the process logger. The returned closer releases the log file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, fmt.Errorf("bad log level %q: %w", opts.Level, err)
		}
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, hopts)
	case "json":
		handler = slog.NewJSONHandler(out, hopts)
	default:
		out.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	SetSafeLogging(!opts.Unsafe)
	return slog.New(handler), out, nil
}

// SetSafeLogging controls whether SafeAddr scrubs addresses.
func SetSafeLogging(safe bool) { unsafeLogging.Store(!safe) }

// SafeAddr returns addr for logging, or a placeholder while safe logging is on.
func SafeAddr(addr fmt.Stringer) string {
	if unsafeLogging.Load() {
		return addr.String()
	}
	return "[scrubbed]"
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
