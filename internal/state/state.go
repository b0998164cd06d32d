// Package state is the persistent user store, a bbolt database holding
// one JSON record per user plus lookup indices by email and by external
// provider identity.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.authcore/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	usersBucket      = []byte("users")
	emailIndexBucket = []byte("users_by_email")
	providerBucket   = []byte("users_by_provider")
)

func providerKey(provider, providerID string) []byte {
	return []byte(provider + ":" + providerID)
}

// State wraps a bbolt database for user records.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the database at ~/.authcore/users.db, creating it if it
// does not exist.
func Load() (*State, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(home, ".authcore", "users.db"))
}

// LoadAt opens a database at the given path, creating it and its
// buckets if they do not exist. Useful for tests that need an isolated
// database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, emailIndexBucket, providerBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Create stores a new user. It assigns an id when none is set,
// normalizes the email, defaults the roles to ["user"] and stamps the
// timestamps. A taken email or provider identity returns
// ErrAlreadyExists.
func (s *State) Create(_ context.Context, u *models.User) (*models.User, error) {
	rec := u.Clone()
	rec.Email = models.NormalizeEmail(rec.Email)
	if rec.Email == "" {
		return nil, fmt.Errorf("%w: email is required", autherr.ErrInvalidInput)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if len(rec.Roles) == 0 {
		rec.Roles = []string{models.DefaultRole}
	}

	if rec.Provider == "" {
		rec.Provider = models.ProviderLocal
	}

	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		if users.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("user %s: %w", rec.ID, autherr.ErrAlreadyExists)
		}

		if tx.Bucket(emailIndexBucket).Get([]byte(rec.Email)) != nil {
			return fmt.Errorf("email: %w", autherr.ErrAlreadyExists)
		}

		if !rec.IsLocal() && tx.Bucket(providerBucket).Get(providerKey(rec.Provider, rec.ProviderID)) != nil {
			return fmt.Errorf("provider identity: %w", autherr.ErrAlreadyExists)
		}

		return putUser(tx, nil, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// FindByID returns a copy of the user or ErrNotFound.
func (s *State) FindByID(_ context.Context, id string) (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getUser(tx, []byte(id))
		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// FindByEmail looks a user up by normalized email.
func (s *State) FindByEmail(_ context.Context, email string) (*models.User, error) {
	return s.findByIndex(emailIndexBucket, []byte(models.NormalizeEmail(email)))
}

// FindByProvider looks a user up by external identity.
func (s *State) FindByProvider(_ context.Context, provider, providerID string) (*models.User, error) {
	return s.findByIndex(providerBucket, providerKey(provider, providerID))
}

func (s *State) findByIndex(bucket, key []byte) (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucket).Get(key)
		if id == nil {
			return autherr.ErrNotFound
		}

		var err error
		u, err = getUser(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// Save replaces an existing user record and keeps the indices in step
// with email and provider changes. UpdatedAt is bumped on u.
func (s *State) Save(_ context.Context, u *models.User) error {
	rec := u.Clone()
	rec.Email = models.NormalizeEmail(rec.Email)
	rec.UpdatedAt = s.now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getUser(tx, []byte(rec.ID))
		if err != nil {
			return err
		}

		if rec.Email != prev.Email {
			if owner := tx.Bucket(emailIndexBucket).Get([]byte(rec.Email)); owner != nil && string(owner) != rec.ID {
				return fmt.Errorf("email: %w", autherr.ErrAlreadyExists)
			}
		}

		if !rec.IsLocal() {
			owner := tx.Bucket(providerBucket).Get(providerKey(rec.Provider, rec.ProviderID))
			if owner != nil && string(owner) != rec.ID {
				return fmt.Errorf("provider identity: %w", autherr.ErrAlreadyExists)
			}
		}

		return putUser(tx, prev, rec)
	})
	if err != nil {
		return err
	}

	u.Email = rec.Email
	u.UpdatedAt = rec.UpdatedAt

	return nil
}

// DeleteByID removes the user and its index entries.
func (s *State) DeleteByID(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getUser(tx, []byte(id))
		if err != nil {
			return err
		}

		if err := dropIndices(tx, prev); err != nil {
			return err
		}

		return tx.Bucket(usersBucket).Delete([]byte(id))
	})
}

// Count returns the number of stored users.
func (s *State) Count() (int, error) {
	var n int

	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(usersBucket).Stats().KeyN
		return nil
	})

	return n, err
}

func getUser(tx *bolt.Tx, id []byte) (*models.User, error) {
	data := tx.Bucket(usersBucket).Get(id)
	if data == nil {
		return nil, autherr.ErrNotFound
	}

	var u models.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", id, err)
	}

	return &u, nil
}

// putUser writes rec and its index entries, first dropping the index
// entries of prev when given.
func putUser(tx *bolt.Tx, prev, rec *models.User) error {
	if prev != nil {
		if err := dropIndices(tx, prev); err != nil {
			return err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	id := []byte(rec.ID)
	if err := tx.Bucket(usersBucket).Put(id, data); err != nil {
		return err
	}

	if err := tx.Bucket(emailIndexBucket).Put([]byte(rec.Email), id); err != nil {
		return err
	}

	if !rec.IsLocal() {
		return tx.Bucket(providerBucket).Put(providerKey(rec.Provider, rec.ProviderID), id)
	}

	return nil
}

func dropIndices(tx *bolt.Tx, u *models.User) error {
	if err := tx.Bucket(emailIndexBucket).Delete([]byte(u.Email)); err != nil {
		return err
	}

	if !u.IsLocal() {
		return tx.Bucket(providerBucket).Delete(providerKey(u.Provider, u.ProviderID))
	}

	return nil
}
