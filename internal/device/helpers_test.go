package device

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/camrelay/internal/directory"
	"github.com/nerrad567/camrelay/internal/infrastructure/database"
	_ "github.com/nerrad567/camrelay/migrations"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestDirectory(t *testing.T) *directory.Store {
	t.Helper()
	db, err := database.Open(t.Context(), database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return directory.NewStore(db)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: testEpoch}
	s := NewStore(openTestDirectory(t))
	s.SetClock(clock.now)
	return s, clock
}

func mustRegister(t *testing.T, s *Store, id, email string) *Record {
	t.Helper()
	rec, err := s.Register(t.Context(), id, email)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	return rec
}
