package token

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alexjbarnes/authcore/internal/kv"
	"github.com/alexjbarnes/authcore/internal/models"
)

// Invalidate deletes one refresh record and reports whether it existed.
func (m *Manager) Invalidate(ctx context.Context, userID, tokenID string) (bool, error) {
	deleted, err := m.store.Delete(ctx, recordKey(userID, tokenID))
	if err != nil {
		return false, fmt.Errorf("deleting refresh token record: %w", err)
	}

	m.forgetUse(ctx, Subject{UserID: userID, TokenID: tokenID})

	if deleted {
		m.metrics.SessionsRevoked(1)
	}

	return deleted, nil
}

// InvalidateAll deletes every refresh record of the user and returns how
// many were removed. Zero is a valid result. On a degraded store the
// deletion is also applied to the remote store once it recovers.
func (m *Manager) InvalidateAll(ctx context.Context, userID string) (int, error) {
	n, err := kv.DeletePrefix(ctx, m.store, userPrefix(userID))
	m.metrics.SessionsRevoked(n)
	if err != nil {
		return n, fmt.Errorf("deleting refresh token records: %w", err)
	}

	if _, err := kv.DeletePrefix(ctx, m.store, lastUsePrefix+userID+":"); err != nil {
		m.logger.Warn("deleting refresh token last use",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	return n, nil
}

// ListActiveSessions returns the user's live sessions, most recently
// used first.
func (m *Manager) ListActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	prefix := userPrefix(userID)

	keys, err := m.store.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing refresh token records: %w", err)
	}

	sessions := make([]models.Session, 0, len(keys))
	for _, key := range keys {
		subj := Subject{UserID: userID, TokenID: strings.TrimPrefix(key, prefix)}

		rec, ok, err := m.readRecord(ctx, subj)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // expired between scan and read
		}

		sessions = append(sessions, models.Session{
			TokenID:    rec.TokenID,
			Device:     rec.Device,
			CreatedAt:  rec.CreatedAt,
			LastUsedAt: m.lastUse(ctx, subj, rec.LastUsedAt),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastUsedAt.Equal(sessions[j].LastUsedAt) {
			return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	return sessions, nil
}
