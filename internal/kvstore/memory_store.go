package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps values in process memory. It is intended for tests and dev runs.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string][]byte
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		return nil, ErrClosed
	}
	value, ok := store.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneBytes(value), nil
}

// Set stores a copy of value under key.
func (store *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		return ErrClosed
	}
	store.entries[key] = cloneBytes(value)
	return nil
}

// Clear drops every entry.
func (store *MemoryStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		return ErrClosed
	}
	store.entries = make(map[string][]byte)
	return nil
}

// Keys lists stored keys in ascending order.
func (store *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(store.entries))
	for key := range store.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store unusable.
func (store *MemoryStore) Close() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.closed = true
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}
