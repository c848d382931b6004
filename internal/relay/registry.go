package relay

import (
	"sort"
	"sync"
)

// Registry maps device identities to their single active connection.
//
// The lock only guards the map; transports are closed after it is released
// so one slow teardown never stalls other devices.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register stores c as the connection for its device. Any previous
// connection for the same device is closed and returned; the latest
// connection always wins.
func (r *Registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	prev := r.conns[c.DeviceID]
	r.conns[c.DeviceID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		prev.Close() //nolint:errcheck // Replaced transport is discarded
		return prev
	}
	return nil
}

// Lookup returns the active connection for deviceID.
func (r *Registry) Lookup(deviceID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[deviceID]
	return c, ok
}

// Unregister removes c only if it is still the registered connection for
// its device. It reports whether c was removed.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.DeviceID] != c {
		return false
	}
	delete(r.conns, c.DeviceID)
	return true
}

// Snapshot returns the currently registered connections.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IDs returns the registered device identities in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
