package kv

import (
	"context"
	"log/slog"
	"time"
)

// Closer is a Store that holds resources.
type Closer interface {
	Store
	Close() error
}

// Options selects and tunes the transient store.
type Options struct {
	// RedisURL selects a Redis primary. Empty means process-local only.
	RedisURL      string
	OpTimeout     time.Duration
	ProbeInterval time.Duration
	Logger        *slog.Logger
	Recorder      FallbackRecorder
}

// Open returns the configured store. With a Redis URL the client is
// wrapped in a Fallback; a failed initial ping starts it degraded rather
// than failing startup.
func Open(ctx context.Context, opts Options) (Closer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.RedisURL == "" {
		logger.Info("using in-process transient store")
		return NewMemory(), nil
	}

	r, err := DialRedis(opts.RedisURL, opts.OpTimeout)
	if err != nil {
		return nil, err
	}

	f := NewFallback(r,
		WithProbeInterval(opts.ProbeInterval),
		WithFallbackLogger(logger),
		WithRecorder(opts.Recorder),
	)

	if err := r.Ping(ctx); err != nil {
		f.MarkDegraded(err)
		return f, nil
	}

	logger.Info("connected to redis transient store")

	return f, nil
}
