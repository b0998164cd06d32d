// Package kv provides the transient key-value store used for refresh
// token records. Values expire after their TTL. Implementations are safe
// for concurrent use and every single-key operation is atomic.
package kv

import (
	"context"
	"time"
)

// Store is a TTL key-value store. Get and Delete never fail on a missing
// key. A ttl <= 0 passed to Set means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// KeysByPrefix returns a snapshot of live keys starting with prefix.
	// Order is unspecified.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// PrefixDeleter is implemented by stores that can delete keys under a
// prefix they cannot currently list.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// DeletePrefix removes every key under prefix from s and returns how many
// existed. It uses s.DeletePrefix when s provides one.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	if pd, ok := s.(PrefixDeleter); ok {
		return pd.DeletePrefix(ctx, prefix)
	}
	return deleteByScan(ctx, s, prefix)
}

func deleteByScan(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.KeysByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range keys {
		deleted, err := s.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}

	return n, nil
}

// FallbackRecorder counts primary store failures. metrics.Metrics
// satisfies it.
type FallbackRecorder interface {
	StoreFallback()
}
