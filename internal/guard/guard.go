// Package guard tracks failed logins and locks accounts for a fixed
// period once too many accumulate. It only mutates the user value;
// saving it is the caller's job.
package guard

import (
	"time"

	"github.com/alexjbarnes/authcore/internal/models"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 2 * time.Hour
)

// Guard applies the lockout policy.
type Guard struct {
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxAttempts sets how many consecutive failures trigger a lock.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLockDuration sets how long a lock lasts.
func WithLockDuration(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockDuration = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New returns a Guard with the default policy of five attempts and a
// two hour lock.
func New(opts ...Option) *Guard {
	g := &Guard{
		maxAttempts:  DefaultMaxAttempts,
		lockDuration: DefaultLockDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts returns the configured threshold.
func (g *Guard) MaxAttempts() int {
	return g.maxAttempts
}

// IsLocked reports whether the lock is currently in force.
func (g *Guard) IsLocked(u *models.User) bool {
	return u.LockUntil != nil && g.now().Before(*u.LockUntil)
}

// LockRemaining returns the time left on an active lock, or zero.
func (g *Guard) LockRemaining(u *models.User) time.Duration {
	if !g.IsLocked(u) {
		return 0
	}
	return u.LockUntil.Sub(g.now())
}

// RecordFailure counts one failed attempt and reports whether this call
// put the account into the locked state. A lock that has run out is
// cleared first, so counting restarts at one. Failures while already
// locked leave the counter and expiry untouched.
func (g *Guard) RecordFailure(u *models.User) bool {
	now := g.now()

	if u.LockUntil != nil {
		if now.Before(*u.LockUntil) {
			return false
		}
		u.LockUntil = nil
		u.FailedLoginAttempts = 0
	}

	u.FailedLoginAttempts++
	if u.FailedLoginAttempts < g.maxAttempts {
		return false
	}

	until := now.Add(g.lockDuration)
	u.LockUntil = &until

	return true
}

// RecordSuccess clears the counter and any lock, and stamps the login
// time.
func (g *Guard) RecordSuccess(u *models.User) {
	now := g.now()
	g.Reset(u)
	u.LastLoginAt = &now
}

// Reset clears the counter and any lock without recording a login.
func (g *Guard) Reset(u *models.User) {
	u.FailedLoginAttempts = 0
	u.LockUntil = nil
}

