package errors

import (
	"errors"
	"fmt"
	"time"
)

// Authentication failures. All of these surface to callers as a failed
// authentication; they stay distinct so logs and alerts can tell them apart.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrAccountLocked       = errors.New("account is temporarily locked")
	ErrTokenExpired        = errors.New("token is expired")
	ErrTokenMalformed      = errors.New("token is malformed")
	ErrTokenTypeMismatch   = errors.New("token type mismatch")
	ErrTokenReuseOrRevoked = errors.New("invalid or expired token")
)

// Authorization and request-policy errors.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRateLimited       = errors.New("too many requests")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyVerified   = errors.New("email is already verified")
	ErrSamePasswordReuse = errors.New("new password must differ from the current password")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
)

// RateLimitError carries the time a caller must wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, try again in %s", ErrRateLimited, humanWait(e.RetryAfter))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// NewRateLimitError returns a RateLimitError, rounding the wait up to
// the next whole second.
func NewRateLimitError(wait time.Duration) *RateLimitError {
	if wait < 0 {
		wait = 0
	}

	return &RateLimitError{RetryAfter: wait.Round(time.Second)}
}

// IsAuthFailure reports whether err is one of the kinds that a caller
// should treat as "not authenticated".
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrInvalidCredentials,
		ErrAccountLocked,
		ErrTokenExpired,
		ErrTokenMalformed,
		ErrTokenTypeMismatch,
		ErrTokenReuseOrRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func humanWait(d time.Duration) string {
	if d >= time.Minute {
		minutes := int((d + time.Minute - 1) / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}

		return fmt.Sprintf("%d minutes", minutes)
	}

	seconds := int(d / time.Second)
	if seconds == 1 {
		return "1 second"
	}

	return fmt.Sprintf("%d seconds", seconds)
}
