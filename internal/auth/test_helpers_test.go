package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/camrelay/internal/directory"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_800_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// memDirectory is an in-memory directory.Directory with expiry driven by a
// fake clock.
type memDirectory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

var _ directory.Directory = (*memDirectory)(nil)

func newMemDirectory(now func() time.Time) *memDirectory {
	return &memDirectory{entries: make(map[string]memEntry), now: now}
}

func (d *memDirectory) live(key string) (memEntry, bool) {
	e, ok := d.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !d.now().Before(e.expiresAt)) {
		return memEntry{}, false
	}
	return e, true
}

func (d *memDirectory) Get(_ context.Context, key string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.live(key)
	if !ok {
		return nil, directory.ErrNotFound
	}
	return e.value, nil
}

func (d *memDirectory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := memEntry{value: data}
	if ttl > 0 {
		e.expiresAt = d.now().Add(ttl)
	}
	d.entries[key] = e
	return nil
}

func (d *memDirectory) Update(_ context.Context, key string, patch any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return directory.ErrInvalidValue
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	e, _ := d.live(key)
	current := map[string]any{}
	if e.value != nil {
		if err := json.Unmarshal(e.value, &current); err != nil {
			return err
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}
	e.value = merged
	d.entries[key] = e
	return nil
}

func (d *memDirectory) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

func (d *memDirectory) List(_ context.Context, prefix string) ([]directory.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []directory.Entry
	for k := range d.entries {
		if e, ok := d.live(k); ok && strings.HasPrefix(k, prefix) {
			out = append(out, directory.Entry{Key: k, Value: e.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (d *memDirectory) WatchChildren(context.Context, string) (<-chan string, error) {
	return nil, errors.New("memDirectory: watch not supported")
}

func (d *memDirectory) DeleteExpired(context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for k := range d.entries {
		if _, ok := d.live(k); !ok {
			delete(d.entries, k)
			n++
		}
	}
	return n, nil
}

// newTestGate builds a gate whose tokens, revocations and directory share clock.
func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *fakeClock, *memDirectory) {
	t.Helper()
	clock := newFakeClock()
	dir := newMemDirectory(clock.now)

	tokens := NewTokenService(testSecret)
	tokens.SetClock(clock.now)
	revocations := NewRevocations(dir)
	revocations.SetClock(clock.now)

	return NewGate(tokens, revocations, ttl), clock, dir
}
