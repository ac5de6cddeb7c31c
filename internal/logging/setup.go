package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pddg/liveupdate/internal/errdefs"
)

// Configure builds a logger writing to out.
// Accepted levels are debug, info, warn (warning), error (critical).
// Accepted formats are json and text.
func Configure(
	logLevel string,
	logFormat string,
	out io.Writer,
) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		AddSource: true,
	}
	switch strings.ToLower(logLevel) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error", "critical":
		opts.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, errdefs.ErrConfig)
	}
	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q: %w", logFormat, errdefs.ErrConfig)
	}
	return slog.New(handler), nil
}
