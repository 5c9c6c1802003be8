package runtime

import (
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. JSON goes to stdout and, when a log
// file is configured, to a size-rotated file as well.
func NewLogger(cfg config.TelemetryConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var out io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, file)
		closer = file
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	return slog.New(handler), closer
}

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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
