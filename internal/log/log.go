// Package log builds the structured loggers used across the service.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var level = log.InfoLevel

// SetLevel sets the level of loggers created afterwards. Unknown names
// select info.
func SetLevel(name string) {
	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		parsed = log.InfoLevel
	}
	level = parsed
}

func NewHandler(name string) slog.Handler {
	return newHandler(os.Stderr, name)
}

func newHandler(w io.Writer, name string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// Discard returns a logger that drops everything; tests use it.
func Discard() *slog.Logger {
	return slog.New(newHandler(io.Discard, ""))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to pull it out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the context's logger, or the default slog logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

// SubLogger derives a logger whose prefix is the base prefix plus suffix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if base != nil {
		if cl, ok := base.Handler().(*log.Logger); ok {
			prefix := cl.GetPrefix()
			if prefix != "" {
				prefix = prefix + "/" + suffix
			} else {
				prefix = suffix
			}
			return slog.New(cl.WithPrefix(prefix))
		}
	}
	return New(suffix)
}
