package kv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("connection refused")

// flakyStore is a Memory that fails every call while down is set.
type flakyStore struct {
	*Memory
	mu    sync.Mutex
	down  bool
	calls int
}

func (s *flakyStore) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *flakyStore) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.down {
		return errUnavailable
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	return s.Memory.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Memory.Set(ctx, key, value, ttl)
}

func (s *flakyStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.Memory.Delete(ctx, key)
}

func (s *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.Memory.Exists(ctx, key)
}

func (s *flakyStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Memory.KeysByPrefix(ctx, prefix)
}

type countingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *countingRecorder) StoreFallback() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestFallback(t *testing.T) (*Fallback, *flakyStore, *countingRecorder, *fakeClock, *bytes.Buffer) {
	t.Helper()
	primary := &flakyStore{Memory: NewMemory()}
	rec := &countingRecorder{}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	f := NewFallback(primary,
		WithProbeInterval(30*time.Second),
		WithRecorder(rec),
		WithFallbackClock(clock.Now),
		WithFallbackLogger(logger),
	)
	t.Cleanup(func() {
		f.Close()
		primary.Close()
	})
	return f, primary, rec, clock, &buf
}

func TestFallback_HealthyUsesPrimary(t *testing.T) {
	f, primary, rec, _, _ := newTestFallback(t)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "a", "1", time.Minute))

	v, ok, err := primary.Memory.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.False(t, f.Degraded())
	assert.Equal(t, 0, rec.n)
}

func TestFallback_PrimaryFailureServesLocal(t *testing.T) {
	f, primary, rec, _, buf := newTestFallback(t)
	ctx := context.Background()
	primary.setDown(true)

	require.NoError(t, f.Set(ctx, "a", "1", time.Minute), "caller never sees the primary error")
	assert.True(t, f.Degraded())
	assert.Equal(t, 1, rec.n)
	assert.Contains(t, buf.String(), "transient store unavailable")

	v, ok, err := f.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	keys, err := f.KeysByPrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	ok, err = f.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFallback_DegradedSkipsPrimaryUntilProbe(t *testing.T) {
	f, primary, rec, clock, _ := newTestFallback(t)
	ctx := context.Background()
	primary.setDown(true)

	_, _, _ = f.Get(ctx, "a")
	callsAfterFailure := primary.calls

	clock.Advance(10 * time.Second)
	_, _, _ = f.Get(ctx, "a")
	_, _ = f.Exists(ctx, "a")
	assert.Equal(t, callsAfterFailure, primary.calls, "primary not touched inside the probe window")

	clock.Advance(25 * time.Second)
	_, _, _ = f.Get(ctx, "a")
	assert.Equal(t, callsAfterFailure+1, primary.calls, "probe after the interval")
	assert.True(t, f.Degraded())
	assert.Equal(t, 2, rec.n)
}

func TestFallback_RecoversAfterProbe(t *testing.T) {
	f, primary, _, clock, buf := newTestFallback(t)
	ctx := context.Background()
	primary.setDown(true)

	require.NoError(t, f.Set(ctx, "a", "1", time.Minute))
	assert.True(t, f.Degraded())

	primary.setDown(false)
	clock.Advance(31 * time.Second)

	require.NoError(t, f.Set(ctx, "b", "2", time.Minute))
	assert.False(t, f.Degraded())
	assert.Contains(t, buf.String(), "transient store recovered")

	ok, _ := primary.Memory.Exists(ctx, "b")
	assert.True(t, ok, "writes go to the primary again")
}

func TestFallback_LogsDegradeOnce(t *testing.T) {
	f, primary, _, _, buf := newTestFallback(t)
	ctx := context.Background()
	primary.setDown(true)

	_ = f.Set(ctx, "a", "1", 0)
	f.MarkDegraded(errUnavailable)

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("transient store unavailable")))
}

func TestFallback_LogDoesNotLeakValues(t *testing.T) {
	f, primary, _, _, buf := newTestFallback(t)
	primary.setDown(true)

	_ = f.Set(context.Background(), "refresh_token:u1:t1", "secret-token-value", time.Minute)
	assert.NotContains(t, buf.String(), "secret-token-value")
}

func TestFallback_DeleteWhileDegradedReplaysOnRecovery(t *testing.T) {
	f, primary, _, clock, _ := newTestFallback(t)
	ctx := context.Background()
	require.NoError(t, primary.Memory.Set(ctx, "refresh_token:u1:t1", "rec", time.Hour))

	primary.setDown(true)
	_, err := f.Delete(ctx, "refresh_token:u1:t1")
	require.NoError(t, err)

	primary.setDown(false)
	clock.Advance(31 * time.Second)

	_, ok, err := f.Get(ctx, "refresh_token:u1:t1")
	require.NoError(t, err)
	assert.False(t, ok, "deleted key must not come back from the primary")
	assert.False(t, f.Degraded())

	ok, _ = primary.Memory.Exists(ctx, "refresh_token:u1:t1")
	assert.False(t, ok)
}

func TestFallback_DeletePrefixWhileDegradedReplaysOnRecovery(t *testing.T) {
	f, primary, _, clock, buf := newTestFallback(t)
	ctx := context.Background()
	for _, k := range []string{"refresh_token:u1:a", "refresh_token:u1:b", "refresh_token:u2:a"} {
		require.NoError(t, primary.Memory.Set(ctx, k, "rec", time.Hour))
	}

	primary.setDown(true)
	n, err := f.DeletePrefix(ctx, "refresh_token:u1:")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing held locally")
	assert.Contains(t, buf.String(), "prefix delete deferred")

	primary.setDown(false)
	clock.Advance(31 * time.Second)

	keys, err := f.KeysByPrefix(ctx, "refresh_token:")
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh_token:u2:a"}, keys)
	assert.Contains(t, buf.String(), "replayed deletes on transient store")
}

func TestFallback_ReplayFailureStaysDegraded(t *testing.T) {
	f, primary, _, clock, _ := newTestFallback(t)
	ctx := context.Background()
	require.NoError(t, primary.Memory.Set(ctx, "k", "v", time.Hour))

	primary.setDown(true)
	_, err := f.DeletePrefix(ctx, "k")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.Degraded())

	ok, _ = primary.Memory.Exists(ctx, "k")
	assert.True(t, ok, "primary untouched while down")

	primary.setDown(false)
	clock.Advance(31 * time.Second)
	_, ok, err = f.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.Degraded())
}

func TestFallback_DeletePrefixHealthy(t *testing.T) {
	f, primary, _, _, _ := newTestFallback(t)
	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "p:1", "1", time.Minute))
	require.NoError(t, f.Set(ctx, "p:2", "2", time.Minute))
	require.NoError(t, f.Set(ctx, "q:1", "3", time.Minute))

	n, err := DeletePrefix(ctx, f, "p:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, _ := primary.Memory.KeysByPrefix(ctx, "")
	assert.Equal(t, []string{"q:1"}, keys)
}
