package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileEntry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// FileBackend keeps entries in a JSON file, rewritten on every change. It
// suits single-user command line clients.
type FileBackend struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]fileEntry
}

// NewFileBackend loads path if it exists.
func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("session file path is required")
	}
	b := &FileBackend{
		path:    path,
		now:     time.Now,
		entries: make(map[string]fileEntry),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// Path returns the backing file.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.ExpiresAt != nil && !b.now().Before(*e.ExpiresAt) {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (b *FileBackend) Set(_ context.Context, key, value string, maxAge time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := fileEntry{Value: value}
	if maxAge > 0 {
		exp := b.now().Add(maxAge).UTC()
		e.ExpiresAt = &exp
	}
	b.entries[key] = e
	return b.persistLocked()
}

func (b *FileBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for _, k := range keys {
		if _, ok := b.entries[k]; ok {
			delete(b.entries, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return b.persistLocked()
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var decoded map[string]fileEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}
	now := b.now()
	for k, e := range decoded {
		if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			continue
		}
		b.entries[k] = e
	}
	return nil
}

func (b *FileBackend) persistLocked() error {
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
