package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/camrelay/internal/directory"
)

// Defaults for one-time code challenges.
const (
	DefaultCodeTTL     = 5 * time.Minute
	DefaultMaxAttempts = 5
)

type challenge struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Challenges issues and checks one-time email codes. Only a hash of each
// code is stored, under otp/{device_id}, and it expires with the code.
//
// Issue and Verify for the same device are serialized, so concurrent
// guesses each consume an attempt.
type Challenges struct {
	dir         directory.Directory
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	locks       deviceLocks
}

// deviceLocks hands out one mutex per device ID, dropping it when the last
// holder or waiter is done.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

func (l *deviceLocks) lock(deviceID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*deviceLock)
	}
	dl, ok := l.locks[deviceID]
	if !ok {
		dl = &deviceLock{}
		l.locks[deviceID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.Lock()
	return func() {
		dl.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, deviceID)
		}
		l.mu.Unlock()
	}
}

// NewChallenges creates a challenge store. Non-positive settings use the defaults.
func NewChallenges(dir directory.Directory, ttl time.Duration, maxAttempts int) *Challenges {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Challenges{dir: dir, ttl: ttl, maxAttempts: maxAttempts, now: time.Now}
}

// SetClock overrides the time source.
func (c *Challenges) SetClock(now func() time.Time) {
	c.now = now
}

// Issue creates a new code for deviceID, replacing any outstanding one.
// The plaintext code is returned for delivery and never stored.
func (c *Challenges) Issue(ctx context.Context, deviceID string) (code string, expiresAt time.Time, err error) {
	code, err = GenerateCode()
	if err != nil {
		return "", time.Time{}, err
	}
	hash, err := HashCode(code)
	if err != nil {
		return "", time.Time{}, err
	}

	unlock := c.locks.lock(deviceID)
	defer unlock()

	expiresAt = c.now().Add(c.ttl)
	rec := challenge{Hash: hash, ExpiresAt: expiresAt}
	if err := c.dir.Set(ctx, directory.OTPKey(deviceID), rec, c.ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("storing code: %w", err)
	}
	return code, expiresAt, nil
}

// Verify checks code against the outstanding challenge for deviceID. A
// correct code consumes the challenge. Every wrong one costs an attempt,
// recorded before the hash is compared, and the challenge is discarded
// once attempts run out.
func (c *Challenges) Verify(ctx context.Context, deviceID, code string) error {
	unlock := c.locks.lock(deviceID)
	defer unlock()

	key := directory.OTPKey(deviceID)
	var rec challenge
	if err := directory.Load(ctx, c.dir, key, &rec); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return ErrCodeNotRequested
		}
		return fmt.Errorf("loading code: %w", err)
	}

	if !c.now().Before(rec.ExpiresAt) {
		c.discard(ctx, key)
		return ErrCodeExpired
	}
	if rec.Attempts >= c.maxAttempts {
		c.discard(ctx, key)
		return ErrTooManyAttempts
	}

	attempts := rec.Attempts + 1
	if err := c.dir.Update(ctx, key, map[string]any{"attempts": attempts}); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}

	ok, err := VerifyCode(code, rec.Hash)
	if err != nil {
		return fmt.Errorf("checking code: %w", err)
	}
	if ok {
		c.discard(ctx, key)
		return nil
	}
	if attempts >= c.maxAttempts {
		c.discard(ctx, key)
		return ErrTooManyAttempts
	}
	return ErrCodeMismatch
}

// Discard drops any outstanding challenge for deviceID.
func (c *Challenges) Discard(ctx context.Context, deviceID string) {
	unlock := c.locks.lock(deviceID)
	defer unlock()
	c.discard(ctx, directory.OTPKey(deviceID))
}

func (c *Challenges) discard(ctx context.Context, key string) {
	c.dir.Delete(ctx, key) //nolint:errcheck // Expires on its own if this fails
}
