package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Directory is the key-value capability consumed by the relay front door,
// the session gate and the presence tracker.
type Directory interface {
	// Get returns the JSON value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Set replaces the value at key. A zero ttl stores the entry without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Update merges patch into the object stored at key, creating it if absent.
	// The entry's expiry is preserved.
	Update(ctx context.Context, key string, patch any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every live entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// WatchChildren streams child names directly under prefix until ctx is done.
	WatchChildren(ctx context.Context, prefix string) (<-chan string, error)

	// DeleteExpired removes entries whose expiry has passed and returns how many.
	DeleteExpired(ctx context.Context) (int64, error)
}

// Entry is a single directory record.
type Entry struct {
	Key       string
	Value     json.RawMessage
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Load reads key from d and decodes it into v.
func Load(ctx context.Context, d Directory, key string, v any) error {
	raw, err := d.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}
