package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Options selects the handler. Zero value is JSON to stdout at the level
// implied by the environment.
type Options struct {
	Env    string
	Level  string
	Format string
	Output io.Writer
}

// New returns the process logger. Every record carries service=voicebridge.
func New(o Options) *slog.Logger {
	w := o.Output
	if w == nil {
		w = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: level(o.Env, o.Level)}

	var h slog.Handler
	if o.Format == "text" {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	return slog.New(h).With("service", "voicebridge")
}

// level prefers an explicit level; local and dev default to debug.
func level(env, explicit string) slog.Level {
	var l slog.Level
	if explicit != "" && l.UnmarshalText([]byte(explicit)) == nil {
		return l
	}
	if env == "local" || env == "dev" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
