// Package account ties the auth components together into the operations
// callers use: signup, login, refresh, logout, password changes, role
// administration and permission checks. It owns no state of its own.
package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authcore/internal/action"
	"github.com/alexjbarnes/authcore/internal/guard"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
	"github.com/alexjbarnes/authcore/internal/rbac"
	"github.com/alexjbarnes/authcore/internal/token"
)

// UserStore is the persistent user store.
type UserStore interface {
	Create(ctx context.Context, u *models.User) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByProvider(ctx context.Context, provider, providerID string) (*models.User, error)
	Save(ctx context.Context, u *models.User) error
}

// Result is returned by every operation that signs a user in.
type Result struct {
	User   *models.User `json:"user"`
	Tokens token.Pair   `json:"tokens"`
}

type Service struct {
	users    UserStore
	tokens   *token.Manager
	actions  *action.Issuer
	guard    *guard.Guard
	resolver *rbac.Resolver
	hasher   *password.Hasher
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithGuard(g *guard.Guard) Option {
	return func(s *Service) {
		if g != nil {
			s.guard = g
		}
	}
}

func WithResolver(r *rbac.Resolver) Option {
	return func(s *Service) {
		if r != nil {
			s.resolver = r
		}
	}
}

func WithHasher(h *password.Hasher) Option {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service. The guard, hasher and notifier should be
// the same instances the action issuer was built with.
func NewService(users UserStore, tokens *token.Manager, actions *action.Issuer, opts ...Option) *Service {
	s := &Service{
		users:    users,
		tokens:   tokens,
		actions:  actions,
		guard:    guard.New(),
		resolver: rbac.Default(),
		hasher:   password.NewHasher(0),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	return s
}

func (s *Service) RequestVerification(ctx context.Context, userID string) error {
	return s.actions.RequestVerification(ctx, userID)
}

func (s *Service) Verify(ctx context.Context, tok string) (*models.User, error) {
	return s.actions.Verify(ctx, tok)
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.actions.RequestPasswordReset(ctx, email)
}

func (s *Service) ResetPassword(ctx context.Context, tok, newPassword string) error {
	return s.actions.ResetPassword(ctx, tok, newPassword)
}
