// Package notify delivers security messages to users. Delivery is best
// effort; a failed send never undoes the change that triggered it.
package notify

//go:generate mockgen -destination=mock_notifier.go -package=notify . Notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authcore/internal/models"
)

// DefaultSendTimeout bounds a single Deliver call.
const DefaultSendTimeout = 10 * time.Second

// Notifier is the outbound message channel.
type Notifier interface {
	SendVerificationMessage(ctx context.Context, u *models.User, token string) error
	SendPasswordResetMessage(ctx context.Context, u *models.User, token string) error
	SendPasswordChangedNotice(ctx context.Context, u *models.User) error
}

// Deliver runs send under DefaultSendTimeout and logs a failure. It never
// returns the error.
func Deliver(ctx context.Context, logger *slog.Logger, name string, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultSendTimeout)
	defer cancel()

	if err := send(ctx); err != nil {
		logger.Error("notification failed",
			slog.String("message", name),
			slog.String("error", err.Error()),
		)
	}
}

// LogNotifier writes each message as a log line instead of sending it.
// Tokens are not logged; only the fact that a message went out.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendVerificationMessage(_ context.Context, u *models.User, _ string) error {
	n.logger.Info("verification message sent", slog.String("user_id", u.ID))
	return nil
}

func (n *LogNotifier) SendPasswordResetMessage(_ context.Context, u *models.User, _ string) error {
	n.logger.Info("password reset message sent", slog.String("user_id", u.ID))
	return nil
}

func (n *LogNotifier) SendPasswordChangedNotice(_ context.Context, u *models.User) error {
	n.logger.Info("password changed notice sent", slog.String("user_id", u.ID))
	return nil
}
