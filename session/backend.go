package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBackendUnavailable wraps transport faults of remote backends.
var ErrBackendUnavailable = errors.New("session backend unavailable")

// Backend is one persistence tier. A zero maxAge means the entry does not
// expire. Get reports ok=false for missing or expired keys; Delete ignores
// missing keys.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, maxAge time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryBackend is a process-local Backend with TTL support.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the clock used for expiry. Intended for tests.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if maxAge > 0 {
		e.expires = m.now().Add(maxAge)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			n++
		}
	}
	return n
}

type prefixed struct {
	prefix string
	next   Backend
}

// WithPrefix namespaces every key of b, so one backend can hold the sessions
// of several clients.
func WithPrefix(b Backend, prefix string) Backend {
	if prefix == "" {
		return b
	}
	return prefixed{prefix: prefix + ":", next: b}
}

func (p prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p prefixed) Set(ctx context.Context, key, value string, maxAge time.Duration) error {
	return p.next.Set(ctx, p.prefix+key, value, maxAge)
}

func (p prefixed) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.prefix + k
	}
	return p.next.Delete(ctx, full...)
}
