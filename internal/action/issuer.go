// Package action issues single-use, time-boxed tokens for email
// verification and password reset. Each purpose keeps one slot on the
// user record; issuing a new token replaces the previous one, and a
// successful use clears it.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/guard"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
)

const (
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
	DefaultCooldown        = time.Hour
	DefaultMaxRequests     = 3
	DefaultIssuer          = "authcore"
)

// Purpose is the token type claim of an action token.
type Purpose string

const (
	PurposeVerification  Purpose = "verification"
	PurposePasswordReset Purpose = "password_reset"
)

// UserStore is the slice of the persistent user store the issuer needs.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Save(ctx context.Context, u *models.User) error
}

// Revoker ends every session of a user after a password reset.
type Revoker interface {
	InvalidateAll(ctx context.Context, userID string) (int, error)
}

// claims binds an action token to the user id and the email it was sent
// to.
type claims struct {
	jwt.RegisteredClaims
	Email   string  `json:"email"`
	Purpose Purpose `json:"token_type"`
}

// Issuer creates and consumes action tokens.
type Issuer struct {
	users           UserStore
	secret          []byte
	issuer          string
	verificationTTL time.Duration
	resetTTL        time.Duration
	cooldown        time.Duration
	maxRequests     int
	now             func() time.Time
	logger          *slog.Logger
	notifier        notify.Notifier
	revoker         Revoker
	guard           *guard.Guard
	hasher          *password.Hasher
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithVerificationTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.verificationTTL = d
		}
	}
}

func WithResetTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.resetTTL = d
		}
	}
}

// WithCooldown sets the window after which request counters reset.
func WithCooldown(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.cooldown = d
		}
	}
}

// WithMaxRequests sets how many tokens of one purpose may be requested
// within the cooldown.
func WithMaxRequests(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.maxRequests = n
		}
	}
}

func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name != "" {
			i.issuer = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(i *Issuer) {
		if n != nil {
			i.notifier = n
		}
	}
}

func WithRevoker(r Revoker) Option {
	return func(i *Issuer) { i.revoker = r }
}

func WithGuard(g *guard.Guard) Option {
	return func(i *Issuer) {
		if g != nil {
			i.guard = g
		}
	}
}

func WithHasher(h *password.Hasher) Option {
	return func(i *Issuer) {
		if h != nil {
			i.hasher = h
		}
	}
}

// NewIssuer returns an Issuer signing with secret (HS256).
func NewIssuer(users UserStore, secret []byte, opts ...Option) *Issuer {
	i := &Issuer{
		users:           users,
		secret:          secret,
		issuer:          DefaultIssuer,
		verificationTTL: DefaultVerificationTTL,
		resetTTL:        DefaultResetTTL,
		cooldown:        DefaultCooldown,
		maxRequests:     DefaultMaxRequests,
		now:             time.Now,
		logger:          slog.Default(),
		guard:           guard.New(),
		hasher:          password.NewHasher(0),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.notifier == nil {
		i.notifier = notify.NewLogNotifier(i.logger)
	}
	return i
}

// throttle applies the per-purpose request limit. The counter resets
// once a full cooldown has passed since the last request.
func (i *Issuer) throttle(w *models.ActionWindow) error {
	now := i.now()

	if w.LastRequestAt != nil && now.Sub(*w.LastRequestAt) >= i.cooldown {
		w.Attempts = 0
	}

	if w.LastRequestAt != nil && w.Attempts >= i.maxRequests {
		return autherr.NewRateLimitError(i.cooldown - now.Sub(*w.LastRequestAt))
	}

	w.Attempts++
	w.LastRequestAt = &now

	return nil
}

func (i *Issuer) sign(u *models.User, purpose Purpose, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
		Email:   u.Email,
		Purpose: purpose,
	}).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing %s token: %w", purpose, err)
	}

	return signed, exp.Time, nil
}

func (i *Issuer) parse(tokenString string, want Purpose) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, c,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.ErrTokenExpired
		}
		return nil, autherr.ErrTokenMalformed
	}

	if c.Purpose != want {
		return nil, autherr.ErrTokenTypeMismatch
	}

	if c.Subject == "" {
		return nil, autherr.ErrTokenMalformed
	}

	return c, nil
}
