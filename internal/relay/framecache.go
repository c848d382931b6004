package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one media unit received from a device. Frames are never mutated
// after creation; a newer frame replaces the cached pointer.
type Frame struct {
	DeviceID   string
	Payload    []byte
	Seq        uint64
	ReceivedAt time.Time
}

// Age returns how long ago the frame arrived.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.ReceivedAt)
}

// FrameCache holds the most recent frame per device.
//
// Reads never block on writers: each slot is a single pointer swapped
// atomically through sync.Map.
type FrameCache struct {
	slots sync.Map // deviceID -> *Frame
	seq   atomic.Uint64
}

// NewFrameCache creates an empty cache.
func NewFrameCache() *FrameCache {
	return &FrameCache{}
}

// Put stores payload as the latest frame for deviceID and returns it.
func (c *FrameCache) Put(deviceID string, payload []byte, now time.Time) *Frame {
	f := &Frame{
		DeviceID:   deviceID,
		Payload:    payload,
		Seq:        c.seq.Add(1),
		ReceivedAt: now,
	}
	c.slots.Store(deviceID, f)
	return f
}

// Get returns the latest frame for deviceID.
func (c *FrameCache) Get(deviceID string) (*Frame, bool) {
	v, ok := c.slots.Load(deviceID)
	if !ok {
		return nil, false
	}
	return v.(*Frame), true
}

// Len returns the number of devices with a cached frame.
func (c *FrameCache) Len() int {
	n := 0
	c.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
