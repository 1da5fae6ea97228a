// Package logger constructs the process-wide structured logger.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a slog.Logger backed by a charmbracelet/log handler.
// Components derive their own loggers via With("component", ...).
func New(debug bool) *slog.Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
	})

	return slog.New(handler)
}
