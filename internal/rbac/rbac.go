// Package rbac resolves role names and ad-hoc grants to permissions.
//
// Roles form a total order. Each role holds every permission of the
// roles below it plus its own additions. The table is fixed when the
// Resolver is built and never changes afterwards.
package rbac

import (
	"fmt"
	"slices"
	"sort"
)

// Role is a role name such as "admin".
type Role string

// Permission has the form action:resource, e.g. "delete:any-post".
type Permission string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ReadPost         Permission = "read:post"
	CreatePost       Permission = "create:post"
	UpdateOwnPost    Permission = "update:own-post"
	DeleteOwnPost    Permission = "delete:own-post"
	CreateComment    Permission = "create:comment"
	DeleteOwnComment Permission = "delete:own-comment"
	ReadProfile      Permission = "read:profile"
	UpdateOwnProfile Permission = "update:own-profile"

	UpdateAnyPost    Permission = "update:any-post"
	DeleteAnyPost    Permission = "delete:any-post"
	DeleteAnyComment Permission = "delete:any-comment"
	ReadUser         Permission = "read:user"

	CreateUser   Permission = "create:user"
	UpdateUser   Permission = "update:user"
	DeleteUser   Permission = "delete:user"
	ManageRoles  Permission = "manage:roles"
	ReadAuditLog Permission = "read:audit-log"
)

// Set is an unordered set of permissions.
type Set map[Permission]struct{}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the permissions in lexical order.
func (s Set) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the permissions as sorted strings.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = string(p)
	}
	return out
}

// RoleDefinition declares one level of the hierarchy. Adds lists only the
// permissions this role introduces on top of lower levels.
type RoleDefinition struct {
	Role  Role
	Level int
	Adds  []Permission
}

// DefaultRoles is the built-in hierarchy: user < moderator < admin.
func DefaultRoles() []RoleDefinition {
	return []RoleDefinition{
		{Role: RoleUser, Level: 1, Adds: []Permission{
			ReadPost, CreatePost, UpdateOwnPost, DeleteOwnPost,
			CreateComment, DeleteOwnComment, ReadProfile, UpdateOwnProfile,
		}},
		{Role: RoleModerator, Level: 2, Adds: []Permission{
			UpdateAnyPost, DeleteAnyPost, DeleteAnyComment, ReadUser,
		}},
		{Role: RoleAdmin, Level: 3, Adds: []Permission{
			CreateUser, UpdateUser, DeleteUser, ManageRoles, ReadAuditLog,
		}},
	}
}

// Resolver answers permission questions against a fixed role table. It
// is safe for concurrent use.
type Resolver struct {
	levels map[Role]int
	sets   map[Role]Set
	order  []Role
}

// NewResolver precomputes cumulative permission sets. Levels must be
// positive and unique, and role names must be unique.
func NewResolver(defs []RoleDefinition) (*Resolver, error) {
	sorted := slices.Clone(defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	r := &Resolver{
		levels: make(map[Role]int, len(sorted)),
		sets:   make(map[Role]Set, len(sorted)),
	}

	seenLevel := make(map[int]Role, len(sorted))
	acc := Set{}
	for _, d := range sorted {
		if d.Role == "" {
			return nil, fmt.Errorf("role name is required")
		}
		if d.Level <= 0 {
			return nil, fmt.Errorf("role %q: level must be positive", d.Role)
		}
		if _, dup := r.levels[d.Role]; dup {
			return nil, fmt.Errorf("role %q defined more than once", d.Role)
		}
		if other, dup := seenLevel[d.Level]; dup {
			return nil, fmt.Errorf("roles %q and %q share level %d", other, d.Role, d.Level)
		}
		seenLevel[d.Level] = d.Role

		for _, p := range d.Adds {
			acc[p] = struct{}{}
		}

		r.levels[d.Role] = d.Level
		r.sets[d.Role] = copySet(acc)
		r.order = append(r.order, d.Role)
	}

	return r, nil
}

// Default returns a resolver over DefaultRoles.
func Default() *Resolver {
	r, err := NewResolver(DefaultRoles())
	if err != nil {
		panic(err) // static table
	}
	return r
}

// PermissionsForRole returns the role's cumulative set, empty for an
// unknown role.
func (r *Resolver) PermissionsForRole(role Role) Set {
	return copySet(r.sets[role])
}

// PermissionsForRoles returns the union across roles. Unknown names
// contribute nothing.
func (r *Resolver) PermissionsForRoles(roles []string) Set {
	out := Set{}
	for _, name := range roles {
		for p := range r.sets[Role(name)] {
			out[p] = struct{}{}
		}
	}
	return out
}

// Effective is the union of the roles' permissions and the ad-hoc grants.
func (r *Resolver) Effective(roles, grants []string) Set {
	out := r.PermissionsForRoles(roles)
	for _, g := range grants {
		out[Permission(g)] = struct{}{}
	}
	return out
}

// HasPermission reports whether any of roles carries perm.
func (r *Resolver) HasPermission(roles []string, perm Permission) bool {
	for _, name := range roles {
		if r.sets[Role(name)].Has(perm) {
			return true
		}
	}
	return false
}

// HasPermissionWithGrants is HasPermission extended with ad-hoc grants.
func (r *Resolver) HasPermissionWithGrants(roles, grants []string, perm Permission) bool {
	if slices.Contains(grants, string(perm)) {
		return true
	}
	return r.HasPermission(roles, perm)
}

// RoleLevel returns the hierarchy level, 0 for an unknown role. Levels
// are only meaningful relative to each other.
func (r *Resolver) RoleLevel(role Role) int {
	return r.levels[role]
}

// IsAtLeast reports whether a sits at or above b in the hierarchy.
// Unknown roles have level 0, so any role is at least an unknown one.
func (r *Resolver) IsAtLeast(a, b Role) bool {
	return r.RoleLevel(a) >= r.RoleLevel(b)
}

// MeetsRole reports whether any of roles is at least minRole. Unlike
// IsAtLeast, an unknown minRole is never met, so a typo in a gate denies
// access instead of granting it.
func (r *Resolver) MeetsRole(roles []string, minRole Role) bool {
	if !r.IsKnownRole(minRole) {
		return false
	}
	for _, name := range roles {
		if r.IsAtLeast(Role(name), minRole) {
			return true
		}
	}
	return false
}

// IsKnownRole reports whether the role is part of the table.
func (r *Resolver) IsKnownRole(role Role) bool {
	_, ok := r.levels[role]
	return ok
}

// Roles returns role names from lowest to highest level.
func (r *Resolver) Roles() []Role {
	return slices.Clone(r.order)
}

func copySet(s Set) Set {
	out := make(Set, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}
