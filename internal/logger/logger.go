// Package logger configures the process-wide slog.Logger used by nzbstream.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Log is the package-global logger, set by Init.
var Log *slog.Logger

func init() {
	// Safe default so packages can log before Init runs (e.g. in tests).
	Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init (re)configures the global logger at the given level ("DEBUG", "INFO", "WARN",
// "ERROR"). Output always goes to stderr so stdout stays free for piped media bytes
// and progress is readable alongside it.
func Init(levelStr string) {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(Log)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Fatal logs at error level and terminates the process with a non-zero exit code.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
