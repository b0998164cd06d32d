package account

import (
	"context"
	"fmt"
	"log/slog"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
	"github.com/alexjbarnes/authcore/internal/token"
)

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, device models.DeviceInfo) (token.Pair, error) {
	return s.tokens.Rotate(ctx, refreshToken, device)
}

// Logout ends the session the refresh token belongs to.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	subj, err := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		return err
	}

	if _, err := s.tokens.Invalidate(ctx, subj.UserID, subj.TokenID); err != nil {
		return err
	}

	s.logger.Info("logged out", slog.String("user_id", subj.UserID))

	return nil
}

// LogoutAll ends every session of the user and returns how many ended.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	n, err := s.tokens.InvalidateAll(ctx, userID)
	if err != nil {
		return n, err
	}

	s.logger.Info("logged out everywhere", slog.String("user_id", userID), slog.Int("sessions", n))

	return n, nil
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]models.Session, error) {
	return s.tokens.ListActiveSessions(ctx, userID)
}

// ChangePassword replaces the password of a signed-in user after
// checking the current one. Every session is revoked, including the
// caller's.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if !s.hasher.Compare(u.PasswordHash, current) {
		s.logger.Warn("password change rejected", slog.String("user_id", u.ID))
		return autherr.ErrInvalidCredentials
	}

	if err := password.Validate(next); err != nil {
		return err
	}

	if current == next {
		return autherr.ErrSamePasswordReuse
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	now := s.now()
	u.PasswordHash = hash
	u.LastPasswordChangeAt = &now
	u.PasswordReset.Clear()

	if err := s.users.Save(ctx, u); err != nil {
		return fmt.Errorf("saving new password: %w", err)
	}

	s.logger.Info("password changed", slog.String("user_id", u.ID))

	if _, err := s.tokens.InvalidateAll(ctx, u.ID); err != nil {
		s.logger.Error("revoking sessions after password change",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}

	notify.Deliver(ctx, s.logger, "password_changed", func(ctx context.Context) error {
		return s.notifier.SendPasswordChangedNotice(ctx, u)
	})

	return nil
}
