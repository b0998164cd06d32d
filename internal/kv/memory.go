package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = 5 * time.Minute

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local Store. Entries are visible only to this
// process and are lost on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	stopGC  chan struct{}
	once    sync.Once
}

// NewMemory creates an empty store and starts a background goroutine
// that periodically removes expired entries. Call Close to stop it.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		stopGC:  make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close terminates the background cleanup goroutine. It is safe to call
// more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopGC) })
	return nil
}

func (m *Memory) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopGC:
			return
		}
	}
}

func (m *Memory) cleanup() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// Get returns the value for key. Expired entries are reported absent.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}

	return e.value, true, nil
}

// Set stores value under key, replacing any previous value and TTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()

	return nil
}

// Delete removes key and reports whether a live entry was present.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}

	delete(m.entries, key)

	return !e.expired(time.Now()), nil
}

// Exists reports whether key holds a live entry.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// KeysByPrefix returns all live keys that start with prefix.
func (m *Memory) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}

	return keys, nil
}

// Len returns the number of stored entries, including expired entries
// not yet reaped.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
