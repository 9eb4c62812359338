package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/user/chatrecipe/internal/types"
)

// FileBackend stores one JSON file per key under conversations/.
// File names are the base64url form of the key so any key is a valid name.
type FileBackend struct {
	root string
	mu   sync.RWMutex
}

// NewFileBackend creates a file-backed Backend rooted at the given directory.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: root}
}

func (f *FileBackend) dir() string {
	return filepath.Join(f.root, "conversations")
}

func (f *FileBackend) path(key types.StorageKey) string {
	return filepath.Join(f.dir(), base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}

func (f *FileBackend) Get(_ context.Context, key types.StorageKey) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read conversation %s: %w", key, err)
	}
	return data, nil
}

// Put writes the record atomically: temp file then rename.
func (f *FileBackend) Put(_ context.Context, key types.StorageKey, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir(), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write temp conversation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp conversation: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key types.StorageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove conversation %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Keys(_ context.Context) ([]types.StorageKey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}

	var keys []types.StorageKey
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, types.StorageKey(raw))
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *FileBackend) Close() error { return nil }
