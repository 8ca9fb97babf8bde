// Package logging provides structured logging configuration using log/slog.
//
// Loggers travel in context.Context: the HTTP layer stores a request-scoped
// logger with NewContext and every stage of an export retrieves it with
// FromContext, so log lines carry the request ID and export ID without any
// package reaching for a global.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	// Level values: "debug", "info", "warn", "error" (default: "info")
	Level string

	// Format values: "text", "json" (default: "text")
	Format string

	// File, when set, receives a copy of every log line with size-based
	// rotation.
	File string

	// MaxSizeMB is the rotation threshold for File (default: 100)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 5)
	MaxBackups int
}

// New builds a logger from opts.
//
// Use "json" format in production for machine parsing (ELK, CloudWatch, etc.)
// Use "text" format in development for human readability.
func New(opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100), // megabytes
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			Compress:   true,
		})
	}
	return NewWithWriter(out, opts)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
	}

	var handler slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx.
//
// When ctx has no logger, slog.Default is used. When ctx contains a chi
// RequestID the returned logger includes request_id in every entry.
//
// Usage:
//
//	func (e *Exporter) Export(ctx context.Context, req Request) (Result, error) {
//	    logger := logging.FromContext(ctx)
//	    logger.Info("export started", "strategies", len(req.Strategies))
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	// Chi's RequestID middleware stores the ID in context
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	return logger
}

// WithFields returns ctx with a logger enriched by args, plus that logger.
//
// Usage:
//
//	ctx, logger := logging.WithFields(ctx, "export_id", exportID)
//	logger.Info("export started")
//	// ... stages called with ctx log export_id too ...
func WithFields(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	logger, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok || logger == nil {
		logger = slog.Default()
	}
	ctx = NewContext(ctx, logger.With(args...))
	return ctx, FromContext(ctx)
}
