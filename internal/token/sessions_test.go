package token

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/kv"
	"github.com/alexjbarnes/authcore/internal/models"
)

func TestInvalidate_SingleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.mgr.IssuePair(ctx, f.alice, device("laptop"))
	require.NoError(t, err)
	b, err := f.mgr.IssuePair(ctx, f.alice, device("phone"))
	require.NoError(t, err)

	subj, err := f.mgr.VerifyRefreshToken(ctx, a.RefreshToken)
	require.NoError(t, err)

	ok, err := f.mgr.Invalidate(ctx, subj.UserID, subj.TokenID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.mgr.Invalidate(ctx, subj.UserID, subj.TokenID)
	require.NoError(t, err)
	assert.False(t, ok, "already gone")

	_, err = f.mgr.VerifyRefreshToken(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)

	_, err = f.mgr.VerifyRefreshToken(ctx, b.RefreshToken)
	assert.NoError(t, err, "other device unaffected")
}

func TestInvalidateAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, d := range []string{"laptop", "phone", "tablet"} {
		_, err := f.mgr.IssuePair(ctx, f.alice, device(d))
		require.NoError(t, err)
	}

	n, err := f.mgr.InvalidateAll(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.mgr.InvalidateAll(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInvalidateAll_UnknownUser(t *testing.T) {
	f := newFixture(t)

	n, err := f.mgr.InvalidateAll(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidateAll_DoesNotTouchOtherUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// "u-alice" must not match records of "u-alice2".
	alice2 := &models.User{ID: "u-alice2", Email: "a2@example.com", Roles: []string{"user"}}
	f.users.users[alice2.ID] = alice2

	_, err := f.mgr.IssuePair(ctx, f.alice, device("laptop"))
	require.NoError(t, err)
	other, err := f.mgr.IssuePair(ctx, alice2, device("laptop"))
	require.NoError(t, err)

	n, err := f.mgr.InvalidateAll(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.VerifyRefreshToken(ctx, other.RefreshToken)
	assert.NoError(t, err)
}

func TestListActiveSessions_MostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.IssuePair(ctx, f.alice, device("laptop"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.mgr.IssuePair(ctx, f.alice, device("phone"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.mgr.IssuePair(ctx, f.alice, device("tablet"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.mgr.VerifyRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)

	sessions, err := f.mgr.ListActiveSessions(ctx, "u-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, "laptop", sessions[0].Device.Agent)
	assert.WithinDuration(t, f.clock.Now(), sessions[0].LastUsedAt, 0)
	assert.Equal(t, "tablet", sessions[1].Device.Agent)
	assert.Equal(t, "phone", sessions[2].Device.Agent)

	for _, s := range sessions {
		assert.NotEmpty(t, s.TokenID)
		assert.Equal(t, "10.0.0.1", s.Device.IP)
	}
}

func TestListActiveSessions_Empty(t *testing.T) {
	f := newFixture(t)

	sessions, err := f.mgr.ListActiveSessions(context.Background(), "u-alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListActiveSessions_AfterRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.mgr.IssuePair(ctx, f.alice, device("laptop"))
	require.NoError(t, err)
	_, err = f.mgr.Rotate(ctx, pair.RefreshToken, device("laptop-2"))
	require.NoError(t, err)

	sessions, err := f.mgr.ListActiveSessions(ctx, "u-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "laptop-2", sessions[0].Device.Agent)
}

// outageStore is a Memory that fails every call while down is set.
type outageStore struct {
	*kv.Memory
	mu   sync.Mutex
	down bool
}

func (s *outageStore) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *outageStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("connection refused")
	}
	return nil
}

func (s *outageStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.err(); err != nil {
		return "", false, err
	}
	return s.Memory.Get(ctx, key)
}

func (s *outageStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Memory.Set(ctx, key, value, ttl)
}

func (s *outageStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.err(); err != nil {
		return false, err
	}
	return s.Memory.Delete(ctx, key)
}

func (s *outageStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.err(); err != nil {
		return false, err
	}
	return s.Memory.Exists(ctx, key)
}

func (s *outageStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Memory.KeysByPrefix(ctx, prefix)
}

func TestInvalidateAll_DuringOutageHoldsAfterRecovery(t *testing.T) {
	primary := &outageStore{Memory: kv.NewMemory()}
	clock := &testClock{now: time.Now().Truncate(time.Second)}
	fb := kv.NewFallback(primary,
		kv.WithProbeInterval(30*time.Second),
		kv.WithFallbackClock(clock.Now),
		kv.WithFallbackLogger(slog.New(slog.DiscardHandler)),
	)
	t.Cleanup(func() { fb.Close() })

	f := newFixtureWithStore(t, primary.Memory, fb, WithClock(clock.Now))
	ctx := context.Background()

	laptop, err := f.mgr.IssuePair(ctx, f.alice, device("laptop"))
	require.NoError(t, err)
	phone, err := f.mgr.IssuePair(ctx, f.alice, device("phone"))
	require.NoError(t, err)

	primary.setDown(true)
	_, err = f.mgr.InvalidateAll(ctx, "u-alice")
	require.NoError(t, err)

	primary.setDown(false)
	clock.Advance(31 * time.Second)

	_, err = f.mgr.VerifyRefreshToken(ctx, laptop.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)
	_, err = f.mgr.VerifyRefreshToken(ctx, phone.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)

	keys, _ := primary.Memory.KeysByPrefix(ctx, "refresh_token")
	assert.Empty(t, keys, "records and last-use keys gone from the primary")
}
