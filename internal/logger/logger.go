// Package logger writes warden's operation log. CLI output goes through the
// output package; this file log records what actually happened (git
// invocations, lock waits, recovery actions) for later inspection.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu       sync.Mutex
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	root     *slog.Logger
)

// Init opens (or creates) the log file at path in append mode and installs
// the handler. Calling Init again replaces the previous file.
func Init(path, level string) error {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	levelVar.Set(parseLevel(level))
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
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

// SetDebug raises the level to debug (for --verbose).
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	}
}

// ForComponent returns a logger with the component attribute pre-attached.
//
//	log := logger.ForComponent("worktree")
//	log.Info("worktree created", "session", id, "path", path)
func ForComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base().With(slog.String("component", component))
}

// base returns the installed logger, or a discarding one before Init.
// Callers must hold mu.
func base() *slog.Logger {
	if root == nil {
		root = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return root
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}
