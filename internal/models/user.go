// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"strings"
	"time"
)

// ProviderLocal marks accounts that authenticate with a password.
const ProviderLocal = "local"

// DefaultRole is assigned to users created without explicit roles.
const DefaultRole = "user"

// User is the security-relevant projection of an account record. The
// persistent user store owns its lifecycle; the auth core only mutates
// counters, locks, roles, grants and the action token slots.
type User struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"password_hash,omitempty"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions,omitempty"`
	Verified     bool     `json:"verified"`

	FailedLoginAttempts  int        `json:"failed_login_attempts"`
	LockUntil            *time.Time `json:"lock_until,omitempty"`
	LastLoginAt          *time.Time `json:"last_login_at,omitempty"`
	LastPasswordChangeAt *time.Time `json:"last_password_change_at,omitempty"`

	Provider   string `json:"provider,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	Verification  ActionWindow `json:"verification"`
	PasswordReset ActionWindow `json:"password_reset"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionWindow holds the server-side state of one ephemeral action
// token purpose. Secret is the raw signed token for verification and the
// SHA-256 hex digest of the token for password resets.
type ActionWindow struct {
	Secret        string     `json:"secret,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
}

// Clear drops the stored secret and expiry. Rate limit counters survive
// so a consumed token does not reset the request window.
func (w *ActionWindow) Clear() {
	w.Secret = ""
	w.ExpiresAt = nil
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsLocal reports whether the user signs in with a password.
func (u *User) IsLocal() bool {
	return u.Provider == "" || u.Provider == ProviderLocal
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// HasGrant reports whether the user has an ad-hoc permission grant.
func (u *User) HasGrant(permission string) bool {
	return slices.Contains(u.Permissions, permission)
}

// Clone returns a deep copy so callers can mutate without aliasing
// store-owned slices and pointers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.Permissions = slices.Clone(u.Permissions)
	c.LockUntil = cloneTime(u.LockUntil)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	c.LastPasswordChangeAt = cloneTime(u.LastPasswordChangeAt)
	c.Verification.ExpiresAt = cloneTime(u.Verification.ExpiresAt)
	c.Verification.LastRequestAt = cloneTime(u.Verification.LastRequestAt)
	c.PasswordReset.ExpiresAt = cloneTime(u.PasswordReset.ExpiresAt)
	c.PasswordReset.LastRequestAt = cloneTime(u.PasswordReset.LastRequestAt)

	return &c
}

// ProviderIdentity is what an external identity provider hands back
// after a successful sign-in.
type ProviderIdentity struct {
	Provider      string
	ProviderID    string
	Email         string
	EmailVerified bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
