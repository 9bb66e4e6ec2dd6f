package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	mu           sync.Mutex
	base         = newLogger(os.Stdout, FormatJSON)
	debugEnabled atomic.Bool
)

// Format selects the log line encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat maps a flag value to a Format; anything but "text" is JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects all log lines to w using the given format.
func SetOutput(w io.Writer, f Format) {
	l := newLogger(w, f)
	mu.Lock()
	base = l
	mu.Unlock()
}

func newLogger(w io.Writer, f Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if f == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

type Fields map[string]any

func logWith(level slog.Level, msg string, f Fields) {
	attrs := make([]slog.Attr, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	logger().LogAttrs(context.Background(), level, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled.Load() {
		logWith(slog.LevelDebug, msg, f)
	}
}
