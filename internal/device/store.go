package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/camrelay/internal/directory"
)

// Store reads and writes device records in the directory.
//
// Store implements relay.StartQueue: a start request made while a device is
// offline is kept in its record until the next connection takes it.
type Store struct {
	dir directory.Directory
	now func() time.Time
}

// NewStore creates a store over dir.
func NewStore(dir directory.Directory) *Store {
	return &Store{dir: dir, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the record for id, or ErrDeviceNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var rec Record
	if err := directory.Load(ctx, s.dir, directory.DeviceKey(id), &rec); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	rec.ID = id
	return &rec, nil
}

// Register creates the record for id. Registering an existing device again
// with the same email is a no-op; a different email fails with
// ErrAlreadyRegistered, since only the device's owner may move it.
func (s *Store) Register(ctx context.Context, id, email string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		now := s.now().UTC()
		rec := &Record{ID: id, Email: email, RegisteredAt: &now}
		if err := s.dir.Set(ctx, directory.DeviceKey(id), rec, 0); err != nil {
			return nil, fmt.Errorf("creating device %s: %w", id, err)
		}
		return rec, nil
	case err != nil:
		return nil, err
	case existing.Email != email:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	return existing, nil
}

// ChangeEmail moves an existing device to a new address and clears its
// verified flag so the new address has to complete an OTP round. Callers
// authorize the change.
func (s *Store) ChangeEmail(ctx context.Context, id, email string) (*Record, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Email == email {
		return rec, nil
	}
	if err := s.update(ctx, id, map[string]any{"email": email, "verified": false}); err != nil {
		return nil, err
	}
	rec.Email = email
	rec.Verified = false
	return rec, nil
}

// MarkVerified records that id has completed an OTP round.
func (s *Store) MarkVerified(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.update(ctx, id, map[string]any{"verified": true})
}

// List returns every device record ordered by ID.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	entries, err := s.dir.List(ctx, directory.DevicesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimPrefix(e.Key, directory.DevicesPrefix)
		if strings.Contains(id, "/") {
			continue
		}
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		rec.ID = id
		records = append(records, rec)
	}
	return records, nil
}

// SetPresence records whether id is connected. firmware is only written
// when non-empty.
func (s *Store) SetPresence(ctx context.Context, id string, online bool, firmware string, at time.Time) error {
	patch := map[string]any{
		"online":    online,
		"last_seen": at.UTC(),
	}
	if firmware != "" {
		patch["firmware"] = firmware
	}
	return s.update(ctx, id, patch)
}

// Touch moves id's last_seen forward.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{"last_seen": at.UTC()})
}

// MarkPendingStart queues a start request for id's next connection.
func (s *Store) MarkPendingStart(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{"pending_start": true})
}

// TakePendingStart reports whether a start request was queued for id and
// clears it. A device without a record has nothing queued.
func (s *Store) TakePendingStart(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.PendingStart {
		return false, nil
	}
	if err := s.update(ctx, id, map[string]any{"pending_start": false}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) update(ctx context.Context, id string, patch map[string]any) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.dir.Update(ctx, directory.DeviceKey(id), patch); err != nil {
		return fmt.Errorf("updating device %s: %w", id, err)
	}
	return nil
}
