// Package logging provides structured logging setup using log/slog.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// DebugEnv enables debug logging when set to "1".
const DebugEnv = "TUNNEL_SUPERVISOR_DEBUG"

// ParseLevel maps a textual level to a slog level. Unknown values yield Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a text handler on stderr as the default slog logger.
// Call this once at application startup.
func Setup(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// SetupFromEnv initializes the logger from a configured level name,
// letting DebugEnv force debug output.
func SetupFromEnv(level string) {
	if os.Getenv(DebugEnv) == "1" {
		Setup(slog.LevelDebug)
		return
	}
	Setup(ParseLevel(level))
}
