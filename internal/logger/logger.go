package logger

import (
    "log/slog"
    "os"
)

// New builds the process-wide logger. Diagnostics always go to stderr so
// that stdout stays reserved for attribution records and audit events.
func New(verbose bool) *slog.Logger {
    level := slog.LevelInfo
    if verbose {
        level = slog.LevelDebug
    }

    return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
        Level: level,
    }))
}
