package log

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

type ctxKey struct{}

var (
	defaultOnce   sync.Once
	defaultLogger *slog.Logger
)

// Default returns the fallback logger used when a context carries none:
// structured JSON on stderr, so client output on stdout stays clean.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	})
	return defaultLogger
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	return Default()
}
