package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore persists entries in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger database in directory, or in memory when directory is empty.
func NewBadgerStore(directory string) (*BadgerStore, error) {
	options := badger.DefaultOptions(directory).WithLogger(nil)
	if strings.TrimSpace(directory) == "" {
		options = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("kvstore.open.badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get reads the value stored under key.
func (store *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("kvstore.get.badger: %w", ErrEmptyKey)
	}
	var value []byte
	err := store.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get([]byte(key))
		if getErr != nil {
			return getErr
		}
		copied, copyErr := item.ValueCopy(nil)
		if copyErr != nil {
			return copyErr
		}
		value = copied
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("kvstore.get.badger: %w", ErrKeyNotFound)
		}
		return nil, fmt.Errorf("kvstore.get.badger: %w", err)
	}
	return value, nil
}

// Set writes value under key.
func (store *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.badger: %w", ErrEmptyKey)
	}
	err := store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), cloneBytes(value))
	})
	if err != nil {
		return fmt.Errorf("kvstore.set.badger: %w", err)
	}
	return nil
}

// Clear drops all data.
func (store *BadgerStore) Clear(ctx context.Context) error {
	if err := store.db.DropAll(); err != nil {
		return fmt.Errorf("kvstore.clear.badger: %w", err)
	}
	return nil
}

// Keys lists stored keys in ascending order.
func (store *BadgerStore) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := store.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			keys = append(keys, string(iterator.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore.keys.badger: %w", err)
	}
	return keys, nil
}

// Close flushes and closes the database.
func (store *BadgerStore) Close() error {
	return store.db.Close()
}
