package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/camrelay/internal/protocol"
)

// Transport is the live connection to one device.
//
// Implementations must allow Send and Ping to be called concurrently with
// each other and with Close.
type Transport interface {
	// Send delivers a command, honouring ctx's deadline.
	Send(ctx context.Context, cmd protocol.Command) error

	// Ping sends a liveness probe. The device's answer is reported through
	// Relay.Ack.
	Ping(ctx context.Context) error

	// Close tears the connection down.
	Close() error
}

// DeviceInfo is what a device asserts in its handshake.
type DeviceInfo struct {
	// Tokens is true when the device tags capture responses with the
	// correlation token. Untagged devices use the degraded mode.
	Tokens   bool
	Firmware string
}

// Conn is the registered connection of one device.
type Conn struct {
	DeviceID     string
	Info         DeviceInfo
	RegisteredAt time.Time

	transport Transport
	acked     atomic.Bool
	lastAck   atomic.Int64

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newConn(deviceID string, t Transport, info DeviceInfo, now time.Time) *Conn {
	c := &Conn{
		DeviceID:     deviceID,
		Info:         info,
		RegisteredAt: now,
		transport:    t,
		closed:       make(chan struct{}),
	}
	// A fresh connection counts as acknowledged until the first probe.
	c.markAck(now)
	return c
}

// Send delivers a command over the transport.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: connection closed", ErrTransportFailure)
	default:
	}
	if err := c.transport.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// Close closes the transport. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastAck returns when the device last answered a probe.
func (c *Conn) LastAck() time.Time {
	return time.Unix(0, c.lastAck.Load())
}

func (c *Conn) markAck(now time.Time) {
	c.lastAck.Store(now.UnixNano())
	c.acked.Store(true)
}
