package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/password"
)

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email address", autherr.ErrInvalidInput)
	}
	return nil
}

// Signup creates a local account and signs it in. A verification
// message is requested afterwards; failing to send it does not fail the
// signup.
func (s *Service) Signup(ctx context.Context, email, pw string, device models.DeviceInfo) (*Result, error) {
	email = models.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	if err := password.Validate(pw); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return nil, err
	}

	u, err := s.users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Provider:     models.ProviderLocal,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created", slog.String("user_id", u.ID))

	pair, err := s.tokens.IssuePair(ctx, u, device)
	if err != nil {
		return nil, err
	}

	if err := s.actions.RequestVerification(ctx, u.ID); err != nil {
		s.logger.Warn("requesting verification after signup",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}

	return &Result{User: u, Tokens: pair}, nil
}

// Login checks the account lock, then the password. A locked account is
// rejected before any password comparison. An unknown email still costs
// one bcrypt comparison.
func (s *Service) Login(ctx context.Context, email, pw string, device models.DeviceInfo) (*Result, error) {
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, autherr.ErrNotFound) {
		s.hasher.CompareDummy(pw)
		s.metrics.Login(metrics.LoginFailure)
		s.logger.Warn("login failed", slog.String("reason", "unknown email"))
		return nil, autherr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if s.guard.IsLocked(u) {
		s.metrics.Login(metrics.LoginLocked)
		s.logger.Warn("login rejected",
			slog.String("user_id", u.ID),
			slog.String("reason", "account locked"),
			slog.Duration("remaining", s.guard.LockRemaining(u)),
		)
		return nil, autherr.ErrAccountLocked
	}

	if u.PasswordHash == "" {
		s.hasher.CompareDummy(pw)
		s.metrics.Login(metrics.LoginFailure)
		s.logger.Warn("login failed",
			slog.String("user_id", u.ID),
			slog.String("reason", "no password set"),
		)
		return nil, autherr.ErrInvalidCredentials
	}

	if !s.hasher.Compare(u.PasswordHash, pw) {
		return nil, s.loginFailed(ctx, u)
	}

	s.guard.RecordSuccess(u)
	if err := s.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving login: %w", err)
	}

	pair, err := s.tokens.IssuePair(ctx, u, device)
	if err != nil {
		return nil, err
	}

	s.metrics.Login(metrics.LoginSuccess)
	s.logger.Info("login succeeded", slog.String("user_id", u.ID))

	return &Result{User: u, Tokens: pair}, nil
}

func (s *Service) loginFailed(ctx context.Context, u *models.User) error {
	locked := s.guard.RecordFailure(u)
	if err := s.users.Save(ctx, u); err != nil {
		return fmt.Errorf("saving failed login: %w", err)
	}

	s.metrics.Login(metrics.LoginFailure)
	s.logger.Warn("login failed",
		slog.String("user_id", u.ID),
		slog.String("reason", "wrong password"),
		slog.Int("attempts", u.FailedLoginAttempts),
	)

	if locked {
		s.metrics.AccountLocked()
		s.logger.Warn("account locked",
			slog.String("user_id", u.ID),
			slog.Duration("duration", s.guard.LockRemaining(u)),
		)
	}

	return autherr.ErrInvalidCredentials
}

// LoginWithProvider signs in with an external identity. The account is
// found by provider id first, then by email. An existing account is only
// linked when the provider vouches for the email; otherwise the address
// counts as taken. With no match a password-less account is created.
func (s *Service) LoginWithProvider(ctx context.Context, id models.ProviderIdentity, device models.DeviceInfo) (*Result, error) {
	if id.Provider == "" || id.Provider == models.ProviderLocal || id.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider and provider id are required", autherr.ErrInvalidInput)
	}

	u, err := s.providerUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.guard.IsLocked(u) {
		s.metrics.Login(metrics.LoginLocked)
		return nil, autherr.ErrAccountLocked
	}

	s.guard.RecordSuccess(u)
	if err := s.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving login: %w", err)
	}

	pair, err := s.tokens.IssuePair(ctx, u, device)
	if err != nil {
		return nil, err
	}

	s.metrics.Login(metrics.LoginSuccess)
	s.logger.Info("provider login succeeded",
		slog.String("user_id", u.ID),
		slog.String("provider", id.Provider),
	)

	return &Result{User: u, Tokens: pair}, nil
}

func (s *Service) providerUser(ctx context.Context, id models.ProviderIdentity) (*models.User, error) {
	u, err := s.users.FindByProvider(ctx, id.Provider, id.ProviderID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, autherr.ErrNotFound) {
		return nil, fmt.Errorf("loading user by provider: %w", err)
	}

	email := models.NormalizeEmail(id.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	u, err = s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if !id.EmailVerified {
			return nil, fmt.Errorf("email: %w", autherr.ErrAlreadyExists)
		}
		u.Provider = id.Provider
		u.ProviderID = id.ProviderID
		u.Verified = true
		if err := s.users.Save(ctx, u); err != nil {
			return nil, fmt.Errorf("linking provider: %w", err)
		}
		s.logger.Info("provider linked",
			slog.String("user_id", u.ID),
			slog.String("provider", id.Provider),
		)
		return u, nil

	case errors.Is(err, autherr.ErrNotFound):
		u, err = s.users.Create(ctx, &models.User{
			Email:      email,
			Provider:   id.Provider,
			ProviderID: id.ProviderID,
			Verified:   id.EmailVerified,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("account created",
			slog.String("user_id", u.ID),
			slog.String("provider", id.Provider),
		)
		return u, nil

	default:
		return nil, fmt.Errorf("loading user: %w", err)
	}
}
