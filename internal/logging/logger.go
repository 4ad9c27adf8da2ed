package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string
	// Format is "json" (default) or "console". LOG_FORMAT=console overrides it.
	Format string
	// ErrorLog, when set, receives every ERROR record as a JSON line.
	ErrorLog *ErrorLog
}

// ErrorLog describes the operational error log file.
type ErrorLog struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// New returns a production-friendly JSON logger writing to stdout unless
// console output is requested. Errors are teed into the operational log file
// when one is configured.
func New(opts Options) (*slog.Logger, io.Closer) {
	handlerOpts := &slog.HandlerOptions{Level: levelFromString(opts.Level)}
	format := opts.Format
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = env
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	if format == "console" {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	if opts.ErrorLog == nil || opts.ErrorLog.Path == "" {
		return slog.New(handler), nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   opts.ErrorLog.Path,
		MaxSize:    opts.ErrorLog.MaxSizeMB,
		MaxBackups: opts.ErrorLog.MaxBackups,
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(teeHandler{handlers: []slog.Handler{handler, fileHandler}}), file
}

func levelFromString(value string) slog.Level {
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

// teeHandler fans a record out to every handler enabled for its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return teeHandler{handlers: next}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return teeHandler{handlers: next}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
