package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
)

// Type discriminates token classes so one cannot stand in for another.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the signed payload of access and refresh tokens. Subject is
// the user id. Refresh tokens carry their token id in ID (jti) and leave
// Email and Roles empty.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Type  Type     `json:"token_type"`
}

func (m *Manager) sign(claims *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// parse checks signature, issuer, expiry and type, in that order.
func (m *Manager) parse(tokenString string, want Type) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.ErrTokenExpired
		}
		return nil, autherr.ErrTokenMalformed
	}

	if claims.Type != want {
		return nil, autherr.ErrTokenTypeMismatch
	}

	if claims.Subject == "" {
		return nil, autherr.ErrTokenMalformed
	}

	if want == TypeRefresh && claims.ID == "" {
		return nil, autherr.ErrTokenMalformed
	}

	return claims, nil
}
