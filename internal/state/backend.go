package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/user/chatrecipe/internal/types"
)

var (
	// ErrNotFound is returned by Backend.Get for a key with no record.
	ErrNotFound = errors.New("record not found")
	// ErrTooLarge is returned by a Backend that refuses a record because of
	// its size.
	ErrTooLarge = errors.New("record too large")
)

// Backend is raw key/value storage for encoded conversation records.
type Backend interface {
	Get(ctx context.Context, key types.StorageKey) ([]byte, error)
	Put(ctx context.Context, key types.StorageKey, data []byte) error
	Delete(ctx context.Context, key types.StorageKey) error
	Keys(ctx context.Context) ([]types.StorageKey, error)
	Close() error
}

// Backend names accepted by OpenBackend.
const (
	BackendBolt   = "bolt"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// OpenBackend opens the named backend rooted at dataDir.
func OpenBackend(name, dataDir string) (Backend, error) {
	switch name {
	case "", BackendBolt:
		return OpenBoltBackend(BoltPath(dataDir))
	case BackendFile:
		return NewFileBackend(dataDir), nil
	case BackendMemory:
		return NewMemBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", name)
	}
}

// MemBackend keeps records in memory. A positive Limit makes Put fail with
// ErrTooLarge for larger records, which stands in for a storage quota.
type MemBackend struct {
	mu      sync.RWMutex
	records map[types.StorageKey][]byte
	Limit   int
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{records: make(map[types.StorageKey][]byte)}
}

func (m *MemBackend) Get(_ context.Context, key types.StorageKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemBackend) Put(_ context.Context, key types.StorageKey, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Limit > 0 && len(data) > m.Limit {
		return fmt.Errorf("put %s: %d bytes: %w", key, len(data), ErrTooLarge)
	}
	m.records[key] = slices.Clone(data)
	return nil
}

func (m *MemBackend) Delete(_ context.Context, key types.StorageKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemBackend) Keys(_ context.Context) ([]types.StorageKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]types.StorageKey, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemBackend) Close() error { return nil }
