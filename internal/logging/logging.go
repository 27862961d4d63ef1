package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
	once   sync.Once
)

// L returns the process logger. Until Configure is called it is built from
// LOG_LEVEL and LOG_FORMAT.
func L() *slog.Logger {
	once.Do(func() {
		configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Configure replaces the process logger and makes it the slog default.
func Configure(level, format string, out io.Writer) {
	once.Do(func() {})
	configure(level, format, out)
}

func configure(level, format string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	handlerOptions := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(out, handlerOptions)
	default:
		handler = slog.NewJSONHandler(out, handlerOptions)
	}
	configured := slog.New(handler)

	mu.Lock()
	logger = configured
	mu.Unlock()
	slog.SetDefault(configured)
}

// WithMacID attaches the macid field to all log entries.
func WithMacID(macID string) *slog.Logger {
	return L().With("macid", macID)
}

// WithRequestID attaches the request_id field to all log entries.
func WithRequestID(requestID string) *slog.Logger {
	return L().With("request_id", requestID)
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
