package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// newLogger builds the daemon logger: human-readable text on a terminal,
// JSON when piped into a collector. The returned LevelVar lets config
// hot-reload change verbosity without rebuilding handlers.
func newLogger(level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h), lv
}

// parseLevel maps a config log level to slog. Unknown strings fall back
// to info rather than failing startup.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
