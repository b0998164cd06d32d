// Package token issues short-lived access tokens and rotating refresh
// tokens. Access tokens are stateless. Every live refresh token has a
// record in the transient store; a refresh token without one is
// rejected and logged as possible reuse.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/kv"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/models"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "authcore"

	keyPrefix     = "refresh_token:"
	lastUsePrefix = "refresh_token_used:"
	tokenIDSize   = 32
)

// UserSource loads the user a refresh token belongs to.
type UserSource interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Pair is the result of a login or a rotation.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Subject identifies a verified refresh token.
type Subject struct {
	UserID  string
	TokenID string
}

// Manager owns the refresh token records in the transient store.
type Manager struct {
	store      kv.Store
	users      UserSource
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source used for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a Manager signing with secret (HS256).
func NewManager(store kv.Store, users UserSource, secret []byte, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		users:      users,
		secret:     secret,
		issuer:     DefaultIssuer,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

func recordKey(userID, tokenID string) string {
	return keyPrefix + userID + ":" + tokenID
}

// lastUseKey holds the last-used time apart from the record so that
// stamping it can never recreate a record another caller deleted.
func lastUseKey(userID, tokenID string) string {
	return lastUsePrefix + userID + ":" + tokenID
}

func userPrefix(userID string) string {
	return keyPrefix + userID + ":"
}

func newTokenID() (string, error) {
	b := make([]byte, tokenIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueAccessToken signs a stateless access token for u.
func (m *Manager) IssueAccessToken(u *models.User) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.accessTTL)

	signed, err := m.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: u.Email,
		Roles: u.Roles,
		Type:  TypeAccess,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}

	m.metrics.TokenIssued(string(TypeAccess))

	return signed, expiresAt, nil
}

// VerifyAccessToken checks signature, expiry and type. It never touches
// the store.
func (m *Manager) VerifyAccessToken(tokenString string) (*Claims, error) {
	return m.parse(tokenString, TypeAccess)
}

// IssueRefreshToken signs a refresh token with a fresh token id and
// writes its record. Device metadata is stored for session listings only.
func (m *Manager) IssueRefreshToken(ctx context.Context, u *models.User, device models.DeviceInfo) (string, time.Time, error) {
	tokenID, err := newTokenID()
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	exp := jwt.NewNumericDate(now.Add(m.refreshTTL))

	signed, err := m.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   u.ID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
		Type: TypeRefresh,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing refresh token: %w", err)
	}

	rec := models.RefreshRecord{
		UserID:     u.ID,
		TokenID:    tokenID,
		Token:      signed,
		Device:     device,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  exp.Time,
	}
	if err := m.writeRecord(ctx, rec, now); err != nil {
		return "", time.Time{}, err
	}

	m.metrics.TokenIssued(string(TypeRefresh))

	return signed, exp.Time, nil
}

// IssuePair issues an access token and a refresh token for u.
func (m *Manager) IssuePair(ctx context.Context, u *models.User, device models.DeviceInfo) (Pair, error) {
	access, accessExp, err := m.IssueAccessToken(u)
	if err != nil {
		return Pair{}, err
	}

	refresh, refreshExp, err := m.IssueRefreshToken(ctx, u, device)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyRefreshToken checks the token and its store record, then stamps
// the record's last-used time. A missing or mismatched record returns
// ErrTokenReuseOrRevoked whatever the cause.
func (m *Manager) VerifyRefreshToken(ctx context.Context, tokenString string) (Subject, error) {
	claims, err := m.parse(tokenString, TypeRefresh)
	if err != nil {
		return Subject{}, err
	}

	subj := Subject{UserID: claims.Subject, TokenID: claims.ID}

	rec, ok, err := m.readRecord(ctx, subj)
	if err != nil {
		return Subject{}, err
	}

	if !ok {
		m.reuseDetected(subj, "record absent")
		return Subject{}, autherr.ErrTokenReuseOrRevoked
	}

	if subtle.ConstantTimeCompare([]byte(rec.Token), []byte(tokenString)) != 1 {
		m.reuseDetected(subj, "record mismatch")
		return Subject{}, autherr.ErrTokenReuseOrRevoked
	}

	m.touch(ctx, subj, rec.ExpiresAt)

	return subj, nil
}

// Rotate exchanges a refresh token for a new pair. The new pair is
// issued before the old record is deleted, so a failure part way leaves
// the old token usable. If the old record is already gone by the time
// it is deleted, another caller consumed it first; the new pair is
// withdrawn and ErrTokenReuseOrRevoked returned.
func (m *Manager) Rotate(ctx context.Context, tokenString string, device models.DeviceInfo) (Pair, error) {
	subj, err := m.VerifyRefreshToken(ctx, tokenString)
	if err != nil {
		return Pair{}, err
	}

	u, err := m.users.FindByID(ctx, subj.UserID)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			if _, err := m.store.Delete(ctx, recordKey(subj.UserID, subj.TokenID)); err != nil {
				m.logger.Error("deleting refresh token of deleted user",
					slog.String("user_id", subj.UserID),
					slog.String("error", err.Error()),
				)
			}
			m.forgetUse(ctx, subj)
			return Pair{}, autherr.ErrTokenReuseOrRevoked
		}
		return Pair{}, fmt.Errorf("loading user: %w", err)
	}

	pair, err := m.IssuePair(ctx, u, device)
	if err != nil {
		return Pair{}, err
	}

	deleted, err := m.store.Delete(ctx, recordKey(subj.UserID, subj.TokenID))
	if err != nil {
		m.withdraw(ctx, pair.RefreshToken)
		return Pair{}, fmt.Errorf("deleting rotated refresh token: %w", err)
	}

	m.forgetUse(ctx, subj)

	if !deleted {
		m.withdraw(ctx, pair.RefreshToken)
		m.reuseDetected(subj, "concurrent rotation")
		return Pair{}, autherr.ErrTokenReuseOrRevoked
	}

	return pair, nil
}

// withdraw deletes the record of a refresh token this manager just
// issued.
func (m *Manager) withdraw(ctx context.Context, tokenString string) {
	claims, err := m.parse(tokenString, TypeRefresh)
	if err != nil {
		return
	}
	if _, err := m.store.Delete(ctx, recordKey(claims.Subject, claims.ID)); err != nil {
		m.logger.Error("withdrawing refresh token",
			slog.String("user_id", claims.Subject),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) reuseDetected(subj Subject, reason string) {
	m.metrics.RefreshReuse()
	m.logger.Warn("refresh token rejected",
		slog.String("user_id", subj.UserID),
		slog.String("token_id", subj.TokenID),
		slog.String("reason", reason),
	)
}

func (m *Manager) readRecord(ctx context.Context, subj Subject) (models.RefreshRecord, bool, error) {
	raw, ok, err := m.store.Get(ctx, recordKey(subj.UserID, subj.TokenID))
	if err != nil {
		return models.RefreshRecord{}, false, fmt.Errorf("reading refresh token record: %w", err)
	}
	if !ok {
		return models.RefreshRecord{}, false, nil
	}

	var rec models.RefreshRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Error("decoding refresh token record",
			slog.String("user_id", subj.UserID),
			slog.String("error", err.Error()),
		)
		return models.RefreshRecord{}, false, nil
	}

	return rec, true, nil
}

// writeRecord stores rec with a TTL running to its expiry. A record
// already past expiry is not written.
func (m *Manager) writeRecord(ctx context.Context, rec models.RefreshRecord, now time.Time) error {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding refresh token record: %w", err)
	}

	if err := m.store.Set(ctx, recordKey(rec.UserID, rec.TokenID), string(data), ttl); err != nil {
		return fmt.Errorf("writing refresh token record: %w", err)
	}

	return nil
}

// touch stamps the last-used time of a refresh token. Failures only
// affect session listings and are logged.
func (m *Manager) touch(ctx context.Context, subj Subject, expiresAt time.Time) {
	now := m.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return
	}

	err := m.store.Set(ctx, lastUseKey(subj.UserID, subj.TokenID), now.UTC().Format(time.RFC3339Nano), ttl)
	if err != nil {
		m.logger.Warn("updating refresh token last use",
			slog.String("user_id", subj.UserID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Deleters drop the record before the stamp. A record already gone
	// here means its deleter may have run before the Set, so the stamp
	// is ours to drop.
	if ok, err := m.store.Exists(ctx, recordKey(subj.UserID, subj.TokenID)); err == nil && !ok {
		m.forgetUse(ctx, subj)
	}
}

func (m *Manager) forgetUse(ctx context.Context, subj Subject) {
	if _, err := m.store.Delete(ctx, lastUseKey(subj.UserID, subj.TokenID)); err != nil {
		m.logger.Warn("deleting refresh token last use",
			slog.String("user_id", subj.UserID),
			slog.String("token_id", subj.TokenID),
			slog.String("error", err.Error()),
		)
	}
}

// lastUse returns the stamped last-used time, or fallback when none is
// stored.
func (m *Manager) lastUse(ctx context.Context, subj Subject, fallback time.Time) time.Time {
	raw, ok, err := m.store.Get(ctx, lastUseKey(subj.UserID, subj.TokenID))
	if err != nil || !ok {
		return fallback
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}

	return t
}
