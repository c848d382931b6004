package directory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apapsch/go-jsonmerge/v2"

	"github.com/nerrad567/camrelay/internal/infrastructure/database"
)

// Store is the SQLite-backed Directory.
//
// All public methods are thread-safe.
type Store struct {
	db  *database.DB
	now func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:       db,
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the JSON value stored at key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM directory_entries
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Set replaces the value at key.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encodeObject(value)
	if err != nil {
		return err
	}

	now := s.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}

	var created bool
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var lookupErr error
		created, lookupErr = isAbsent(ctx, tx, key, now)
		if lookupErr != nil {
			return lookupErr
		}
		return upsert(ctx, tx, key, data, expiresAt, now)
	})
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	if created {
		s.notify(key)
	}
	return nil
}

// Update merges patch into the object stored at key.
func (s *Store) Update(ctx context.Context, key string, patch any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	patchData, err := encodeObject(patch)
	if err != nil {
		return err
	}

	now := s.now()
	var created bool
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var current string
		var expiresAt sql.NullInt64
		scanErr := tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM directory_entries
			 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
			key, now.UnixMilli(),
		).Scan(&current, &expiresAt)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			created = true
			current = "{}"
		case scanErr != nil:
			return scanErr
		}

		merger := jsonmerge.Merger{CopyNonexistent: true}
		merged, mergeErr := merger.MergeBytes([]byte(current), patchData)
		if mergeErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, mergeErr)
		}
		return upsert(ctx, tx, key, merged, expiresAt, now)
	})
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	if created {
		s.notify(key)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM directory_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns every live entry under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at, updated_at FROM directory_entries
		 WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		len(prefix), prefix, s.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			value     string
			expiresAt sql.NullInt64
			updatedAt int64
		)
		if err := rows.Scan(&e.Key, &value, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Value = json.RawMessage(value)
		e.UpdatedAt = time.UnixMilli(updatedAt)
		if expiresAt.Valid {
			t := time.UnixMilli(expiresAt.Int64)
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteExpired removes entries whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM directory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired entries: %w", err)
	}
	return res.RowsAffected()
}

func isAbsent(ctx context.Context, tx *sql.Tx, key string, now time.Time) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM directory_entries
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, now.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

func upsert(ctx context.Context, tx *sql.Tx, key string, value []byte, expiresAt sql.NullInt64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO directory_entries (key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		key, string(value), expiresAt, now.UnixMilli(),
	)
	return err
}

// encodeObject marshals v and checks it is a JSON object.
func encodeObject(v any) ([]byte, error) {
	var data []byte
	switch val := v.(type) {
	case json.RawMessage:
		data = val
	case []byte:
		data = val
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrInvalidValue
	}
	return trimmed, nil
}
