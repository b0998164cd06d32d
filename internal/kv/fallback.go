package kv

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how long Fallback serves from the local store
// before trying the primary again.
const DefaultProbeInterval = 30 * time.Second

// Fallback serves from a primary Store and switches to a process-local
// Memory store when the primary fails. While degraded, calls go to the
// local store until the probe interval passes, after which the next call
// tries the primary again. Callers never see primary errors.
//
// Data written to the local store while degraded is not copied back to
// the primary on recovery. Deletes are: every key or prefix deleted while
// degraded is replayed against the primary before it serves again.
type Fallback struct {
	primary       Store
	local         *Memory
	probeInterval time.Duration
	logger        *slog.Logger
	recorder      FallbackRecorder
	now           func() time.Time

	mu        sync.Mutex
	degraded  bool
	nextProbe time.Time
	// Deletes made while degraded, replayed on recovery.
	pendingKeys     map[string]struct{}
	pendingPrefixes map[string]struct{}

	// Serializes replays so only one caller recovers the primary.
	recoverMu sync.Mutex
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithProbeInterval sets how long to stay on the local store after a
// primary failure.
func WithProbeInterval(d time.Duration) FallbackOption {
	return func(f *Fallback) {
		if d > 0 {
			f.probeInterval = d
		}
	}
}

// WithFallbackLogger sets the logger used for degrade and recovery events.
func WithFallbackLogger(l *slog.Logger) FallbackOption {
	return func(f *Fallback) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder sets the counter incremented on each primary failure.
func WithRecorder(r FallbackRecorder) FallbackOption {
	return func(f *Fallback) { f.recorder = r }
}

// WithFallbackClock overrides the time source.
func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(f *Fallback) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFallback wraps primary. The returned store owns a local Memory
// store; Close releases it together with the primary when the primary
// implements io.Closer.
func NewFallback(primary Store, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		primary:         primary,
		local:           NewMemory(),
		probeInterval:   DefaultProbeInterval,
		logger:          slog.Default(),
		now:             time.Now,
		pendingKeys:     make(map[string]struct{}),
		pendingPrefixes: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether calls currently go to the local store.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// MarkDegraded switches to the local store as if the primary had just
// failed. Open uses it when the initial ping fails.
func (f *Fallback) MarkDegraded(err error) {
	f.fail("ping", err)
}

// usePrimary reports whether the next call should go to the primary.
// When a probe is due it first replays pending deletes; a primary that
// cannot take them stays degraded.
func (f *Fallback) usePrimary(ctx context.Context) bool {
	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return true
	}
	due := !f.now().Before(f.nextProbe)
	f.mu.Unlock()

	if !due {
		return false
	}

	return f.replay(ctx)
}

// replay applies the deletes made while degraded to the primary. It
// returns true once nothing is pending.
func (f *Fallback) replay(ctx context.Context) bool {
	f.recoverMu.Lock()
	defer f.recoverMu.Unlock()

	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return true
	}
	keys := make([]string, 0, len(f.pendingKeys))
	for k := range f.pendingKeys {
		keys = append(keys, k)
	}
	prefixes := make([]string, 0, len(f.pendingPrefixes))
	for p := range f.pendingPrefixes {
		prefixes = append(prefixes, p)
	}
	f.mu.Unlock()

	for _, prefix := range prefixes {
		if _, err := deleteByScan(ctx, f.primary, prefix); err != nil {
			f.fail("replay", err)
			return false
		}
		f.mu.Lock()
		delete(f.pendingPrefixes, prefix)
		f.mu.Unlock()
	}

	for _, key := range keys {
		if _, err := f.primary.Delete(ctx, key); err != nil {
			f.fail("replay", err)
			return false
		}
		f.mu.Lock()
		delete(f.pendingKeys, key)
		f.mu.Unlock()
	}

	f.mu.Lock()
	pending := len(f.pendingKeys) + len(f.pendingPrefixes)
	f.mu.Unlock()

	if pending > 0 {
		// More deletes landed during the replay; the next call retries.
		return false
	}

	if len(keys)+len(prefixes) > 0 {
		f.logger.Info("replayed deletes on transient store",
			slog.Int("keys", len(keys)),
			slog.Int("prefixes", len(prefixes)),
		)
	}

	return true
}

func (f *Fallback) fail(op string, err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.nextProbe = f.now().Add(f.probeInterval)
	f.mu.Unlock()

	if f.recorder != nil {
		f.recorder.StoreFallback()
	}

	if !wasDegraded {
		f.logger.Warn("transient store unavailable, using local store",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Duration("probe_interval", f.probeInterval),
		)
	}
}

// succeed clears the degraded state unless deletes are still pending, in
// which case the next call replays them first.
func (f *Fallback) succeed() {
	f.mu.Lock()
	wasDegraded := f.degraded
	if len(f.pendingKeys)+len(f.pendingPrefixes) > 0 {
		f.mu.Unlock()
		return
	}
	f.degraded = false
	f.mu.Unlock()

	if wasDegraded {
		f.logger.Info("transient store recovered")
	}
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if f.usePrimary(ctx) {
		v, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			f.succeed()
			return v, ok, nil
		}
		f.fail("get", err)
	}
	return f.local.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.usePrimary(ctx) {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			f.succeed()
			return nil
		}
		f.fail("set", err)
	}
	return f.local.Set(ctx, key, value, ttl)
}

func (f *Fallback) Delete(ctx context.Context, key string) (bool, error) {
	if f.usePrimary(ctx) {
		ok, err := f.primary.Delete(ctx, key)
		if err == nil {
			f.succeed()
			return ok, nil
		}
		f.fail("delete", err)
	}

	f.mu.Lock()
	f.pendingKeys[key] = struct{}{}
	f.mu.Unlock()

	return f.local.Delete(ctx, key)
}

func (f *Fallback) Exists(ctx context.Context, key string) (bool, error) {
	if f.usePrimary(ctx) {
		ok, err := f.primary.Exists(ctx, key)
		if err == nil {
			f.succeed()
			return ok, nil
		}
		f.fail("exists", err)
	}
	return f.local.Exists(ctx, key)
}

func (f *Fallback) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if f.usePrimary(ctx) {
		keys, err := f.primary.KeysByPrefix(ctx, prefix)
		if err == nil {
			f.succeed()
			return keys, nil
		}
		f.fail("keys_by_prefix", err)
	}
	return f.local.KeysByPrefix(ctx, prefix)
}

// DeletePrefix removes every key under prefix. While degraded the primary
// cannot be listed, so the prefix is held and deleted from the primary on
// recovery; the count then only covers keys held locally.
func (f *Fallback) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if f.usePrimary(ctx) {
		n, err := deleteByScan(ctx, f.primary, prefix)
		if err == nil {
			f.succeed()
			return n, nil
		}
		f.fail("delete_prefix", err)
	}

	f.mu.Lock()
	f.pendingPrefixes[prefix] = struct{}{}
	f.mu.Unlock()

	f.logger.Warn("transient store degraded, prefix delete deferred to recovery",
		slog.String("prefix", prefix),
	)

	return deleteByScan(ctx, f.local, prefix)
}

// Close stops the local store and closes the primary if it can be closed.
func (f *Fallback) Close() error {
	_ = f.local.Close()
	if c, ok := f.primary.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
