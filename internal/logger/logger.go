// Package logger configures the process-wide slog logger. Silent mode
// keeps scheduled background syncs from flooding the journal: only
// warnings and errors get through unless verbose is enabled.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Init installs the default logger. With verbose enabled everything
// down to debug is emitted, otherwise only warnings and errors.
func Init(verbose bool) {
	InitWithWriter(os.Stderr, verbose)
}

// InitWithWriter is Init with an explicit sink, used by tests.
func InitWithWriter(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

// Widget returns a logger scoped to one widget instance.
func Widget(id string) *slog.Logger {
	return slog.Default().With("widget", id)
}
