package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger builds the application logger from the logging configuration
// and installs it as the slog default. File output rotates via lumberjack.
func InitLogger(cfg *LoggingConfig) (*slog.Logger, error) {
	if cfg.File == "" {
		cfg.File = filepath.Join(getStateDir(), "vidway", "vidway.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// NewConsoleHandler returns a text handler for terminal output, colored by
// level when enabled.
func NewConsoleHandler(w io.Writer, level slog.Level, color bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if !color {
		return slog.NewTextHandler(w, opts)
	}
	return &coloredHandler{writer: w, opts: opts, inner: slog.NewTextHandler(w, opts)}
}

// coloredHandler renders text records with an ANSI-colored level prefix.
type coloredHandler struct {
	writer io.Writer
	opts   *slog.HandlerOptions
	inner  slog.Handler
}

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[90m", // gray
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

func (h *coloredHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf strings.Builder
	if err := slog.NewTextHandler(&buf, h.opts).Handle(ctx, r); err != nil {
		return err
	}

	line := buf.String()
	color, ok := levelColors[r.Level]
	if !ok {
		_, err := h.writer.Write([]byte(line))
		return err
	}

	// Color only the leading field so attribute values stay readable.
	head, tail, found := strings.Cut(line, " ")
	if !found {
		_, err := fmt.Fprintf(h.writer, "%s%s\033[0m", color, line)
		return err
	}
	_, err := fmt.Fprintf(h.writer, "%s%s\033[0m %s", color, head, tail)
	return err
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &coloredHandler{writer: h.writer, opts: h.opts, inner: h.inner.WithAttrs(attrs)}
}

func (h *coloredHandler) WithGroup(name string) slog.Handler {
	return &coloredHandler{writer: h.writer, opts: h.opts, inner: h.inner.WithGroup(name)}
}

func (h *coloredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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
