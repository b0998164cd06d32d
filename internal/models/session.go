package models

import "time"

// DeviceInfo describes the client a refresh token was issued to. It is
// informational only and never feeds a security decision.
type DeviceInfo struct {
	Agent string `json:"agent,omitempty"`
	IP    string `json:"ip,omitempty"`
}

// IsZero reports whether no device metadata was supplied.
func (d DeviceInfo) IsZero() bool {
	return d.Agent == "" && d.IP == ""
}

// RefreshRecord is the server-side half of a refresh token. Exactly one
// record exists per live (UserID, TokenID) pair.
type RefreshRecord struct {
	UserID     string     `json:"user_id"`
	TokenID    string     `json:"token_id"`
	Token      string     `json:"token"`
	Device     DeviceInfo `json:"device"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Session is the read-only projection of a refresh record used for
// session listings.
type Session struct {
	TokenID    string     `json:"token_id"`
	Device     DeviceInfo `json:"device"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
}
