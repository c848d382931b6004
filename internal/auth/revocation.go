package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/camrelay/internal/directory"
)

type revocation struct {
	DeviceID  string    `json:"device_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

type epochRecord struct {
	Epoch     int       `json:"epoch"`
	ChangedAt time.Time `json:"changed_at"`
}

// Revocations records revoked session IDs in the directory. Each record
// expires when the token it revokes would have, after which the token is
// rejected as expired anyway and the record can be pruned.
//
// A device also has a session epoch. Bumping it revokes every session
// issued for the device before the bump. Epoch records never expire.
type Revocations struct {
	dir directory.Directory
	now func() time.Time

	epochMu sync.Mutex
}

// NewRevocations creates a revocation list backed by dir.
func NewRevocations(dir directory.Directory) *Revocations {
	return &Revocations{dir: dir, now: time.Now}
}

// SetClock overrides the time source.
func (r *Revocations) SetClock(now func() time.Time) {
	r.now = now
}

// Revoke records claims' session as revoked. Sessions that have already
// expired need no record.
func (r *Revocations) Revoke(ctx context.Context, claims *Claims) error {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing session id or expiry", ErrInvalidCredential)
	}
	now := r.now()
	ttl := claims.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	rec := revocation{DeviceID: claims.DeviceID, RevokedAt: now}
	if err := r.dir.Set(ctx, directory.RevokedKey(claims.ID), rec, ttl); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether the session jti has been revoked. It always
// reads the directory.
func (r *Revocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := r.dir.Get(ctx, directory.RevokedKey(jti))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, directory.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("checking revocation: %w", err)
	}
}

// Epoch returns the current session epoch of deviceID, zero if it was never
// bumped.
func (r *Revocations) Epoch(ctx context.Context, deviceID string) (int, error) {
	var rec epochRecord
	err := directory.Load(ctx, r.dir, directory.EpochKey(deviceID), &rec)
	switch {
	case err == nil:
		return rec.Epoch, nil
	case errors.Is(err, directory.ErrNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("reading session epoch: %w", err)
	}
}

// RevokeDevice bumps the session epoch of deviceID and returns the new one.
func (r *Revocations) RevokeDevice(ctx context.Context, deviceID string) (int, error) {
	r.epochMu.Lock()
	defer r.epochMu.Unlock()

	current, err := r.Epoch(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	rec := epochRecord{Epoch: current + 1, ChangedAt: r.now().UTC()}
	if err := r.dir.Set(ctx, directory.EpochKey(deviceID), rec, 0); err != nil {
		return 0, fmt.Errorf("recording session epoch: %w", err)
	}
	return rec.Epoch, nil
}
