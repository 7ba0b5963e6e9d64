package util

import (
	"io"
	"log/slog"
	"os"
)

type Logger = *slog.Logger

// logLevel is shared by every logger built with NewLogger so diagnostics can
// be toggled at runtime without rebuilding handlers.
var logLevel = new(slog.LevelVar)

func NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetDiagnostics switches the process-wide level between debug output and
// the default info level.
func SetDiagnostics(enabled bool) {
	if enabled {
		logLevel.Set(slog.LevelDebug)
		return
	}
	logLevel.Set(slog.LevelInfo)
}

func DiagnosticsEnabled() bool {
	return logLevel.Level() <= slog.LevelDebug
}

// SetLevel parses a level name ("debug", "info", "warn", "error").
func SetLevel(name string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	logLevel.Set(lvl)
	return nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
