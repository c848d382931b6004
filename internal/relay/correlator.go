package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/camrelay/internal/protocol"
)

// State is the lifecycle state of a pending command.
type State int32

const (
	StatePending State = iota
	StateFulfilled
	StateExpired
	StateFailed
)

// String returns the state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingCommand is a command awaiting its response.
//
// It moves from StatePending to exactly one terminal state. The first
// transition wins; later attempts are no-ops.
type PendingCommand struct {
	Token     string
	DeviceID  string
	Name      string
	CreatedAt time.Time
	Deadline  time.Time

	conn  *Conn
	state atomic.Int32
	timer *time.Timer
	done  chan struct{}

	// Written once by the winning transition before done is closed.
	payload []byte
	err     error
}

// State returns the current state.
func (p *PendingCommand) State() State {
	return State(p.state.Load())
}

// Done is closed when the command reaches a terminal state.
func (p *PendingCommand) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command resolves or ctx is done. Cancelling ctx
// abandons the wait but not the command, which still expires on its own.
func (p *PendingCommand) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches device responses to the commands that requested them.
//
// Expiry is driven by one timer per command; nothing polls.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*PendingCommand
	byDevice map[string][]*PendingCommand
	// finished holds resolved commands until their deadline or first Await.
	finished map[string]*PendingCommand

	now      func() time.Time
	newToken func() string

	// onFinish is called once per command after it reaches a terminal state.
	onFinish func(p *PendingCommand)
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending:  make(map[string]*PendingCommand),
		byDevice: make(map[string][]*PendingCommand),
		finished: make(map[string]*PendingCommand),
		now:      time.Now,
		newToken: uuid.NewString,
		onFinish: func(*PendingCommand) {},
	}
}

// Issue records a pending command for conn and sends it with a fresh
// correlation token. The command expires after timeout unless resolved.
// A send failure fails the command and is returned wrapped in
// ErrTransportFailure.
func (c *Correlator) Issue(ctx context.Context, conn *Conn, name string, timeout time.Duration) (*PendingCommand, error) {
	now := c.now()
	p := &PendingCommand{
		DeviceID:  conn.DeviceID,
		Name:      name,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		conn:      conn,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	for {
		p.Token = c.newToken()
		_, pending := c.pending[p.Token]
		_, finished := c.finished[p.Token]
		if !pending && !finished {
			break
		}
	}
	c.pending[p.Token] = p
	c.byDevice[p.DeviceID] = append(c.byDevice[p.DeviceID], p)
	// Assigned under the lock that finish also takes, so an early expiry
	// cannot observe a half-initialised timer.
	p.timer = time.AfterFunc(timeout, func() {
		c.finish(p, StateExpired, nil, ErrTimeout)
	})
	c.mu.Unlock()

	if err := conn.Send(ctx, protocol.NewCommand(name, p.Token)); err != nil {
		c.finish(p, StateFailed, nil, err)
		return nil, err
	}
	return p, nil
}

// Await blocks until the command for token resolves and returns its result.
// A command resolved before Await is called keeps its result until its
// deadline; the first Await to collect a result consumes it. Tokens never
// issued, already collected, or past their deadline return ErrUnknownToken.
func (c *Correlator) Await(ctx context.Context, token string) ([]byte, error) {
	c.mu.Lock()
	p, ok := c.pending[token]
	if !ok {
		p, ok = c.finished[token]
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	payload, err := p.Wait(ctx)
	select {
	case <-p.done:
		c.forget(p)
	default:
	}
	return payload, err
}

// Resolve fulfils the command for token issued to deviceID. It returns the
// command if this call resolved it, or nil for unknown, late, duplicate or
// foreign responses.
func (c *Correlator) Resolve(deviceID, token string, payload []byte) *PendingCommand {
	p := c.lookup(deviceID, token)
	if p == nil || !c.finish(p, StateFulfilled, payload, nil) {
		return nil
	}
	return p
}

// Reject fails the command for token with a device-reported message.
func (c *Correlator) Reject(deviceID, token, message string) bool {
	p := c.lookup(deviceID, token)
	if p == nil {
		return false
	}
	return c.finish(p, StateFailed, nil, fmt.Errorf("%w: device reported %q", ErrTransportFailure, message))
}

// PendingFor returns the number of commands in flight for deviceID.
func (c *Correlator) PendingFor(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byDevice[deviceID])
}

func (c *Correlator) lookup(deviceID, token string) *PendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[token]
	if !ok || p.DeviceID != deviceID {
		return nil
	}
	return p
}

// ResolveLatest fulfils the most recently issued pending command for
// deviceID. It serves devices that do not echo correlation tokens; if two
// commands are in flight the older one waits for the next frame or expires.
func (c *Correlator) ResolveLatest(deviceID string, payload []byte) *PendingCommand {
	c.mu.Lock()
	list := c.byDevice[deviceID]
	var p *PendingCommand
	if len(list) > 0 {
		p = list[len(list)-1]
	}
	c.mu.Unlock()
	if p == nil || !c.finish(p, StateFulfilled, payload, nil) {
		return nil
	}
	return p
}

// FailConnection fails every pending command issued over conn and returns
// how many were failed.
func (c *Correlator) FailConnection(conn *Conn, cause error) int {
	c.mu.Lock()
	var victims []*PendingCommand
	for _, p := range c.byDevice[conn.DeviceID] {
		if p.conn == conn {
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	err := ErrTransportFailure
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrTransportFailure, cause)
	}
	n := 0
	for _, p := range victims {
		if c.finish(p, StateFailed, nil, err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending command.
func (c *Correlator) Close() {
	c.mu.Lock()
	all := make([]*PendingCommand, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()

	for _, p := range all {
		c.finish(p, StateFailed, nil, fmt.Errorf("%w: %w", ErrTransportFailure, ErrRelayClosed))
	}
}

// finish performs the single terminal transition for p.
func (c *Correlator) finish(p *PendingCommand, state State, payload []byte, err error) bool {
	if !p.state.CompareAndSwap(int32(StatePending), int32(state)) {
		return false
	}
	p.payload, p.err = payload, err

	c.mu.Lock()
	delete(c.pending, p.Token)
	list := c.byDevice[p.DeviceID]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byDevice, p.DeviceID)
	} else {
		c.byDevice[p.DeviceID] = list
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if left := p.Deadline.Sub(c.now()); left > 0 {
		c.finished[p.Token] = p
		p.timer = time.AfterFunc(left, func() { c.forget(p) })
	}
	c.mu.Unlock()

	close(p.done)
	c.onFinish(p)
	return true
}

// forget drops a finished command's retained result.
func (c *Correlator) forget(p *PendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished[p.Token] != p {
		return
	}
	delete(c.finished, p.Token)
	p.timer.Stop()
}
