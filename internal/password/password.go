// Package password hashes and checks user passwords with bcrypt.
package password

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
)

const (
	MinLength = 8
	// MaxLength is bcrypt's input limit in bytes.
	MaxLength = 72
)

// Validate checks the length policy.
func Validate(pw string) error {
	if len(pw) < MinLength {
		return fmt.Errorf("%w: password must be at least %d characters", autherr.ErrInvalidInput, MinLength)
	}

	if len(pw) > MaxLength {
		return fmt.Errorf("%w: password must be at most %d bytes", autherr.ErrInvalidInput, MaxLength)
	}

	return nil
}

// Hasher wraps bcrypt at a fixed cost.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher. Costs outside bcrypt's range fall back to
// bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of pw.
func (h *Hasher) Hash(pw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

// Compare reports whether pw matches hash. An empty hash never matches.
func (h *Hasher) Compare(hash, pw string) bool {
	if hash == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// CompareDummy spends the same time as a real comparison without a
// stored hash, so unknown accounts cannot be told apart by latency.
func (h *Hasher) CompareDummy(pw string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})

	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(pw))
}
