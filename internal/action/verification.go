package action

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
)

// RequestVerification issues a verification token for the user and
// sends it. Any earlier verification token stops working.
func (i *Issuer) RequestVerification(ctx context.Context, userID string) error {
	u, err := i.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if u.Verified {
		return autherr.ErrAlreadyVerified
	}

	if err := i.throttle(&u.Verification); err != nil {
		return err
	}

	tok, exp, err := i.sign(u, PurposeVerification, i.verificationTTL)
	if err != nil {
		return err
	}

	u.Verification.Secret = tok
	u.Verification.ExpiresAt = &exp

	if err := i.users.Save(ctx, u); err != nil {
		return fmt.Errorf("saving verification token: %w", err)
	}

	notify.Deliver(ctx, i.logger, "verification", func(ctx context.Context) error {
		return i.notifier.SendVerificationMessage(ctx, u, tok)
	})

	return nil
}

// Verify consumes a verification token and marks the user verified.
func (i *Issuer) Verify(ctx context.Context, tokenString string) (*models.User, error) {
	c, err := i.parse(tokenString, PurposeVerification)
	if err != nil {
		return nil, err
	}

	u, err := i.users.FindByID(ctx, c.Subject)
	if err != nil {
		return nil, err
	}

	if u.Verified {
		return nil, autherr.ErrAlreadyVerified
	}

	if c.Email != u.Email {
		i.logger.Warn("verification token rejected",
			slog.String("user_id", u.ID),
			slog.String("reason", "email changed"),
		)
		return nil, autherr.ErrTokenReuseOrRevoked
	}

	stored := u.Verification.Secret
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(tokenString)) != 1 {
		i.logger.Warn("verification token rejected",
			slog.String("user_id", u.ID),
			slog.Bool("superseded", stored != ""),
		)
		return nil, autherr.ErrTokenReuseOrRevoked
	}

	u.Verified = true
	u.Verification.Clear()

	if err := i.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving verified user: %w", err)
	}

	i.logger.Info("email verified", slog.String("user_id", u.ID))

	return u, nil
}
