package action

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
)

// digest returns the SHA-256 hex of a token. Only the digest of a reset
// token is kept on the user record.
func digest(tokenString string) string {
	h := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(h[:])
}

// RequestPasswordReset issues a reset token for the account with the
// given email and sends it. An unknown email returns nil with no side
// effects so callers cannot probe for accounts.
func (i *Issuer) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := i.users.FindByEmail(ctx, email)
	if errors.Is(err, autherr.ErrNotFound) {
		i.logger.Debug("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	if err := i.throttle(&u.PasswordReset); err != nil {
		return err
	}

	tok, exp, err := i.sign(u, PurposePasswordReset, i.resetTTL)
	if err != nil {
		return err
	}

	u.PasswordReset.Secret = digest(tok)
	u.PasswordReset.ExpiresAt = &exp

	if err := i.users.Save(ctx, u); err != nil {
		return fmt.Errorf("saving reset token: %w", err)
	}

	notify.Deliver(ctx, i.logger, "password_reset", func(ctx context.Context) error {
		return i.notifier.SendPasswordResetMessage(ctx, u, tok)
	})

	return nil
}

// VerifyPasswordReset checks a reset token without consuming it. Every
// failure returns ErrTokenReuseOrRevoked; the reason is only logged.
func (i *Issuer) VerifyPasswordReset(ctx context.Context, tokenString string) (*models.User, error) {
	reject := func(userID, reason string) (*models.User, error) {
		i.logger.Warn("password reset token rejected",
			slog.String("user_id", userID),
			slog.String("reason", reason),
		)
		return nil, autherr.ErrTokenReuseOrRevoked
	}

	c, err := i.parse(tokenString, PurposePasswordReset)
	if err != nil {
		return reject("", err.Error())
	}

	u, err := i.users.FindByID(ctx, c.Subject)
	if errors.Is(err, autherr.ErrNotFound) {
		return reject(c.Subject, "user not found")
	}
	if err != nil {
		return nil, err
	}

	if c.Email != u.Email {
		return reject(u.ID, "email changed")
	}

	stored := u.PasswordReset.Secret
	if stored == "" {
		return reject(u.ID, "no reset pending")
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(digest(tokenString))) != 1 {
		return reject(u.ID, "superseded")
	}

	if exp := u.PasswordReset.ExpiresAt; exp == nil || !i.now().Before(*exp) {
		return reject(u.ID, "expired")
	}

	return u, nil
}

// ResetPassword consumes a reset token and sets a new password. All
// sessions of the user are revoked afterwards. Revocation and notice
// failures are logged and do not fail the reset.
func (i *Issuer) ResetPassword(ctx context.Context, tokenString, newPassword string) error {
	u, err := i.VerifyPasswordReset(ctx, tokenString)
	if err != nil {
		return err
	}

	if err := password.Validate(newPassword); err != nil {
		return err
	}

	if i.hasher.Compare(u.PasswordHash, newPassword) {
		return autherr.ErrSamePasswordReuse
	}

	hash, err := i.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	now := i.now()
	u.PasswordHash = hash
	u.PasswordReset.Clear()
	i.guard.Reset(u)
	u.LastPasswordChangeAt = &now

	if err := i.users.Save(ctx, u); err != nil {
		return fmt.Errorf("saving new password: %w", err)
	}

	i.logger.Info("password reset", slog.String("user_id", u.ID))

	if i.revoker != nil {
		if n, err := i.revoker.InvalidateAll(ctx, u.ID); err != nil {
			i.logger.Error("revoking sessions after password reset",
				slog.String("user_id", u.ID),
				slog.String("error", err.Error()),
			)
		} else {
			i.logger.Info("sessions revoked", slog.String("user_id", u.ID), slog.Int("count", n))
		}
	}

	notify.Deliver(ctx, i.logger, "password_changed", func(ctx context.Context) error {
		return i.notifier.SendPasswordChangedNotice(ctx, u)
	})

	return nil
}
