// Package logging sets up structured logging the way the rest of the
// corpus does: log/slog with an optional rotated file sink and a handler
// that promotes context-carried attributes (segment, writer id, reader id)
// onto every record without threading them through every call signature.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Config controls where and how verbosely the client logs.
type Config struct {
	Level     string // debug|info|warn|error
	FilePath  string // if set, logs are also written here with rotation
	MaxSizeMB int
	MaxBackups int
	MaxAgeDays int
	AddSource bool
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
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

// New builds a *slog.Logger for the given component name ("writer",
// "reactor", "tablesync", ...).
func New(cfg Config, component string) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.FilePath != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 5
		}
		maxBackups := cfg.MaxBackups
		if maxBackups == 0 {
			maxBackups = 5
		}
		maxAge := cfg.MaxAgeDays
		if maxAge == 0 {
			maxAge = 14
		}
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
		})
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     cfg.level(),
		AddSource: cfg.AddSource,
	})

	return slog.New(contextHandler{handler}).With("component", component)
}

type ctxAttrsKey struct{}

// WithAttrs returns a derived context carrying additional log attributes
// that contextHandler will attach to every record logged with it.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	existing, _ := ctx.Value(ctxAttrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxAttrsKey{}, merged)
}

// With is the any-pairs convenience form of WithAttrs.
func With(ctx context.Context, kv ...any) context.Context {
	var r slog.Record
	r.Add(kv...)
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return WithAttrs(ctx, attrs...)
}

// contextHandler promotes attributes stashed on the context via With/WithAttrs
// onto the record before delegating to the underlying handler.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxAttrsKey{}).([]slog.Attr); ok {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
