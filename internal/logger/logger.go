// Package logger constructs the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Config holds the logger configuration.
type Config struct {
	Level  slog.Level
	Format string
}

// NewLogger initializes a new slog logger based on the provided
// configuration. A nil output defaults to stdout.
func NewLogger(cfg Config, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
