package device

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/camrelay/internal/directory"
)

// Logger defines the logging interface used by device components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Catalog keeps the set of known device identities in memory.
//
// It is seeded and kept current by watching the devices/ prefix, so a
// device registered through any front door shows up without a restart.
//
// All public methods are thread-safe.
type Catalog struct {
	dir    directory.Directory
	logger Logger

	mu    sync.RWMutex
	known map[string]struct{}
	added chan string // test hook, nil in production

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewCatalog creates a catalog over dir. Call Start to begin watching.
func NewCatalog(dir directory.Directory) *Catalog {
	return &Catalog{
		dir:    dir,
		logger: noopLogger{},
		known:  make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the catalog.
func (c *Catalog) SetLogger(logger Logger) {
	c.logger = logger
}

// Start opens the watch and consumes it in the background until ctx is
// cancelled or Stop is called.
func (c *Catalog) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	children, err := c.dir.WatchChildren(ctx, directory.DevicesPrefix)
	if err != nil {
		cancel()
		return fmt.Errorf("watching devices: %w", err)
	}
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for id := range children {
			c.add(id)
		}
	}()
	return nil
}

// Stop ends the watch and waits for the consumer to exit.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
}

// Known reports whether id has been seen.
func (c *Catalog) Known(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[id]
	return ok
}

// IDs returns the known identities in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of known identities.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.known)
}

func (c *Catalog) add(id string) {
	if err := ValidateID(id); err != nil {
		c.logger.Warn("ignoring malformed device key", "key", directory.DeviceKey(id), "error", err)
		return
	}

	c.mu.Lock()
	_, seen := c.known[id]
	c.known[id] = struct{}{}
	c.mu.Unlock()

	if !seen {
		c.logger.Debug("device discovered", "device_id", id)
	}
	if c.added != nil {
		c.added <- id
	}
}
