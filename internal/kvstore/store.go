package kvstore

import "context"

// Store is an asynchronous string-keyed byte store.
type Store interface {
	// Get returns the stored value or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Clear removes every key.
	Clear(ctx context.Context) error
	// Keys lists stored keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the backend.
	Close() error
}
