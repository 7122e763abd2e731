package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"
)

type Config struct {
	DataDir string
	DevMode bool
	// Stderr forces output away from stdout, which the inspect command
	// reserves for the MCP stdio protocol.
	Stderr bool
}

// Init initializes the global slog logger.
// In production (DevMode=false), logs are written to dataDir/client.log.
// In development (DevMode=true), logs are written to stdout.
// LOG_FILE env overrides the default file path.
// LOG_FORMAT selects "json" or "text"; when unset, JSON is used unless the
// output is a terminal.
func Init(cfg Config) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	out := os.Stdout
	if cfg.Stderr {
		out = os.Stderr
	}
	var w io.Writer = out
	interactive := term.IsTerminal(int(out.Fd()))

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" && !cfg.DevMode && cfg.DataDir != "" {
		logFile = filepath.Join(cfg.DataDir, "client.log")
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			slog.Error("failed to create log directory, using stdout only", "file", logFile, "error", err)
		} else {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stdout only", "file", logFile, "error", err)
			} else {
				w = f
				interactive = false
			}
		}
	}

	slog.SetDefault(slog.New(newHandler(w, os.Getenv("LOG_FORMAT"), interactive, opts)))
}

func newHandler(w io.Writer, format string, interactive bool, opts *slog.HandlerOptions) slog.Handler {
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	}
	if interactive {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewSessionLogger creates a logger scoped to one login session. Every
// record carries a fresh sessionId so reconnect storms of different logins
// can be told apart.
func NewSessionLogger(userID string) *slog.Logger {
	return slog.With("sessionId", uuid.Must(uuid.NewV7()).String(), "userId", userID)
}

// LogPanic logs a recovered panic value together with the goroutine stack.
func LogPanic(r any, msg string, args ...any) {
	args = append(args, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	slog.Error(msg, args...)
}
