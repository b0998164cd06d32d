package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/rbac"
)

// Principal is the caller behind a verified access token. Roles come
// from the token; grants are read from the store on every request.
type Principal struct {
	UserID string   `json:"id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	Grants []string `json:"permissions,omitempty"`
}

// Authenticate verifies an access token and loads the caller's grants.
// A token for a deleted user fails as revoked.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return Principal{}, err
	}

	u, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, autherr.ErrNotFound) {
		return Principal{}, autherr.ErrTokenReuseOrRevoked
	}
	if err != nil {
		return Principal{}, fmt.Errorf("loading user: %w", err)
	}

	return Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Roles:  claims.Roles,
		Grants: u.Permissions,
	}, nil
}

// Authorize returns ErrPermissionDenied unless the principal's roles or
// grants include perm.
func (s *Service) Authorize(p Principal, perm rbac.Permission) error {
	if s.resolver.HasPermissionWithGrants(p.Roles, p.Grants, perm) {
		return nil
	}

	s.logger.Info("permission denied",
		slog.String("user_id", p.UserID),
		slog.String("permission", string(perm)),
	)

	return autherr.ErrPermissionDenied
}

// Permissions returns the principal's effective permissions, sorted.
func (s *Service) Permissions(p Principal) []string {
	return s.resolver.Effective(p.Roles, p.Grants).Strings()
}

// AssignRoles replaces the user's roles. Every role must be known; an
// empty list resets to the default role. New roles reach access tokens
// on the next refresh.
func (s *Service) AssignRoles(ctx context.Context, userID string, roles []string) (*models.User, error) {
	clean := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if !s.resolver.IsKnownRole(rbac.Role(r)) {
			return nil, fmt.Errorf("%w: unknown role %q", autherr.ErrInvalidInput, r)
		}
		if !slices.Contains(clean, r) {
			clean = append(clean, r)
		}
	}

	if len(clean) == 0 {
		clean = []string{models.DefaultRole}
	}

	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	u.Roles = clean
	if err := s.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving roles: %w", err)
	}

	s.logger.Info("roles assigned", slog.String("user_id", u.ID), slog.Any("roles", clean))

	return u, nil
}

// GrantPermission adds an ad-hoc permission. Granting one the user
// already holds is a no-op.
func (s *Service) GrantPermission(ctx context.Context, userID string, perm rbac.Permission) (*models.User, error) {
	p := strings.TrimSpace(string(perm))
	if p == "" {
		return nil, fmt.Errorf("%w: permission is required", autherr.ErrInvalidInput)
	}

	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if u.HasGrant(p) {
		return u, nil
	}

	u.Permissions = append(u.Permissions, p)
	slices.Sort(u.Permissions)

	if err := s.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving grant: %w", err)
	}

	s.logger.Info("permission granted", slog.String("user_id", u.ID), slog.String("permission", p))

	return u, nil
}

// RevokePermission removes an ad-hoc permission. Role-derived
// permissions are unaffected.
func (s *Service) RevokePermission(ctx context.Context, userID string, perm rbac.Permission) (*models.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !u.HasGrant(string(perm)) {
		return u, nil
	}

	u.Permissions = slices.DeleteFunc(u.Permissions, func(g string) bool { return g == string(perm) })

	if err := s.users.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving grant: %w", err)
	}

	s.logger.Info("permission revoked", slog.String("user_id", u.ID), slog.String("permission", string(perm)))

	return u, nil
}
