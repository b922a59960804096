package kvstore

import "errors"

var (
	// ErrKeyNotFound indicates no value is stored under the requested key.
	ErrKeyNotFound = errors.New("kvstore.not_found")
	// ErrEmptyKey indicates an empty or whitespace-only key was supplied.
	ErrEmptyKey = errors.New("kvstore.empty_key")
	// ErrUnsupportedScheme indicates that no backend is registered for the store URL scheme.
	ErrUnsupportedScheme = errors.New("kvstore.unsupported_scheme")
	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("kvstore.closed")
)
