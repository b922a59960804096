package kvstore

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// DefaultURL points at an SQLite database under the user's XDG data directory.
func DefaultURL() string {
	return "sqlite://" + filepath.Join(xdg.DataHome, "caltrack", "state.db")
}

// Open selects a backend from the store URL scheme and returns it with a driver label.
// Supported: memory://, sqlite://, postgres://, badger://<dir> and badger:memory.
func Open(ctx context.Context, storeURL string) (Store, string, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" {
		trimmed = DefaultURL()
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryStore(), "memory", nil
	case "badger":
		directory := parsed.Path
		if parsed.Opaque == "memory" {
			directory = ""
		} else if parsed.Host != "" {
			directory = filepath.Join(parsed.Host, parsed.Path)
		}
		store, openErr := NewBadgerStore(directory)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "badger", nil
	default:
		store, openErr := NewDatabaseStore(ctx, trimmed)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, store.Driver(), nil
	}
}
