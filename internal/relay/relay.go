package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/camrelay/internal/protocol"
)

// Default relay settings.
const (
	defaultHeartbeatInterval      = 30 * time.Second
	defaultCaptureTimeout         = 6 * time.Second
	defaultCommandTimeout         = 10 * time.Second
	defaultSubscriberBuffer       = 8
	defaultSubscriberWriteTimeout = 2 * time.Second
	defaultStaleFrameAfter        = 10 * time.Second

	// startQueueTimeout bounds directory access for pending-start bookkeeping.
	startQueueTimeout = 5 * time.Second
)

// Options configures a Relay. Zero fields take their defaults.
type Options struct {
	HeartbeatInterval      time.Duration
	CaptureTimeout         time.Duration
	CommandTimeout         time.Duration
	SubscriberBuffer       int
	SubscriberWriteTimeout time.Duration
	StaleFrameAfter        time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = defaultCaptureTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = defaultSubscriberBuffer
	}
	if o.SubscriberWriteTimeout <= 0 {
		o.SubscriberWriteTimeout = defaultSubscriberWriteTimeout
	}
	if o.StaleFrameAfter <= 0 {
		o.StaleFrameAfter = defaultStaleFrameAfter
	}
	return o
}

// Stats is a point-in-time summary of relay state.
type Stats struct {
	Devices         int `json:"devices"`
	Viewers         int `json:"viewers"`
	PendingCommands int `json:"pending_commands"`
	CachedFrames    int `json:"cached_frames"`
}

// Relay ties the connection registry, frame cache, broadcaster, correlator
// and liveness supervisor together behind the operations the front door
// calls.
//
// All public methods are thread-safe.
type Relay struct {
	opts        Options
	registry    *Registry
	cache       *FrameCache
	broadcaster *Broadcaster
	correlator  *Correlator
	supervisor  *Supervisor

	observer Observer
	starts   StartQueue
	logger   Logger
	now      func() time.Time

	// Background work (opportunistic captures, start bookkeeping) runs under
	// ctx and is awaited by Close.
	ctx      context.Context
	cancel   context.CancelFunc
	bgMu     sync.Mutex
	bgClosed bool
	bg       sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a relay. Call Start to begin heartbeat supervision.
func New(opts Options) *Relay {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		opts:       opts,
		registry:   NewRegistry(),
		cache:      NewFrameCache(),
		correlator: NewCorrelator(),
		observer:   NopObserver{},
		logger:     noopLogger{},
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.broadcaster = NewBroadcaster(r.cache, opts.SubscriberBuffer, opts.SubscriberWriteTimeout)
	r.broadcaster.onRemove = func(sub *Subscription, reason error) {
		r.observer.ViewerLeft(sub.DeviceID, reason)
	}
	r.correlator.onFinish = func(p *PendingCommand) {
		r.observer.CommandFinished(p)
	}
	r.supervisor = NewSupervisor(r.registry, opts.HeartbeatInterval, r.DisconnectDevice)
	return r
}

// SetLogger sets the logger for the relay and its components.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
	r.broadcaster.SetLogger(logger)
	r.supervisor.SetLogger(logger)
}

// SetObserver installs the lifecycle observer. Call before Start.
func (r *Relay) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	r.observer = o
}

// SetStartQueue installs persistence for pending start requests. Call before Start.
func (r *Relay) SetStartQueue(q StartQueue) {
	r.starts = q
}

// Options returns the effective settings.
func (r *Relay) Options() Options {
	return r.opts
}

// Start begins heartbeat supervision.
func (r *Relay) Start(ctx context.Context) {
	r.supervisor.Start(ctx)
}

// ConnectDevice registers a device connection after its handshake. A
// previous connection for the same device is closed and its pending
// commands fail. A start request queued while the device was offline is
// delivered before returning.
func (r *Relay) ConnectDevice(ctx context.Context, deviceID string, t Transport, info DeviceInfo) (*Conn, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}

	c := newConn(deviceID, t, info, r.now())
	prev := r.registry.Register(c)
	if prev != nil {
		n := r.correlator.FailConnection(prev, errors.New("replaced by newer connection"))
		r.logger.Info("device connection replaced", "device_id", deviceID, "failed_commands", n)
		r.observer.DeviceDisconnected(prev, "replaced")
	}

	// Close may have snapshotted the registry before this registration.
	if r.closed.Load() {
		r.DisconnectDevice(c, "shutdown")
		return nil, ErrRelayClosed
	}

	r.logger.Info("device connected",
		"device_id", deviceID, "tokens", info.Tokens, "firmware", info.Firmware)
	r.observer.DeviceConnected(c, prev != nil)
	r.deliverPendingStart(ctx, c)
	return c, nil
}

// DisconnectDevice tears down c. The registry entry is removed only if c
// is still the device's current connection; pending commands issued over
// c fail with ErrTransportFailure either way.
func (r *Relay) DisconnectDevice(c *Conn, reason string) {
	removed := r.registry.Unregister(c)
	c.Close() //nolint:errcheck // Transport is discarded
	n := r.correlator.FailConnection(c, fmt.Errorf("device disconnected: %s", reason))

	if removed {
		r.logger.Info("device disconnected",
			"device_id", c.DeviceID, "reason", reason, "failed_commands", n)
		r.observer.DeviceDisconnected(c, reason)
	}
}

// PushMedia records an inbound media unit as the device's latest frame and
// fans it out to viewers. For devices that do not tag responses it also
// resolves the most recent pending command.
func (r *Relay) PushMedia(deviceID string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.broadcaster.Publish(deviceID, payload)
	r.observer.FrameReceived(deviceID, len(payload))

	if c, ok := r.registry.Lookup(deviceID); ok && !c.Info.Tokens {
		r.correlator.ResolveLatest(deviceID, payload)
	}
}

// HandleResponse delivers a tagged capture response. The payload is
// published like any frame; it reports whether a pending command was
// resolved by it.
func (r *Relay) HandleResponse(deviceID, token string, payload []byte) bool {
	if len(payload) > 0 {
		r.broadcaster.Publish(deviceID, payload)
		r.observer.FrameReceived(deviceID, len(payload))
	}
	return r.correlator.Resolve(deviceID, token, payload) != nil
}

// HandleCommandError fails the pending command for token with the
// device's error message.
func (r *Relay) HandleCommandError(deviceID, token, message string) bool {
	return r.correlator.Reject(deviceID, token, message)
}

// Ack records a heartbeat acknowledgement for c.
func (r *Relay) Ack(c *Conn) {
	c.markAck(r.now())
}

// ReportDropped records a malformed message that was discarded.
func (r *Relay) ReportDropped(deviceID string, err error) {
	r.logger.Warn("dropped device message", "device_id", deviceID, "error", err)
	r.observer.MessageDropped(deviceID, err)
}

// SubscribeViewer attaches sink to deviceID's frames. The cached frame, if
// any, is delivered immediately. When it is missing or stale the relay asks
// an online device for a fresh capture, or queues a start request for an
// offline one; neither outcome affects the subscription.
func (r *Relay) SubscribeViewer(deviceID string, sink Sink) (*Subscription, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}

	sub, replayed, err := r.broadcaster.Subscribe(deviceID, sink)
	if err != nil {
		return nil, err
	}
	r.observer.ViewerJoined(deviceID)

	if replayed == nil || replayed.Age(r.now()) > r.opts.StaleFrameAfter {
		r.requestFreshFrame(deviceID)
	}
	return sub, nil
}

// Unsubscribe detaches a viewer.
func (r *Relay) Unsubscribe(sub *Subscription) {
	r.broadcaster.Unsubscribe(sub)
}

// CaptureOnce asks the device for a single frame and waits for it. A
// non-positive timeout uses the configured capture timeout. It fails
// immediately with ErrDeviceOffline when the device is not connected.
func (r *Relay) CaptureOnce(ctx context.Context, deviceID string, timeout time.Duration) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}
	if timeout <= 0 {
		timeout = r.opts.CaptureTimeout
	}
	c, ok := r.registry.Lookup(deviceID)
	if !ok {
		return nil, ErrDeviceOffline
	}

	p, err := r.correlator.Issue(ctx, c, protocol.CommandCapture, timeout)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// SendCommand delivers a command without waiting for any response.
func (r *Relay) SendCommand(ctx context.Context, deviceID, name string) error {
	if name == "" {
		return ErrInvalidCommand
	}
	if r.closed.Load() {
		return ErrRelayClosed
	}
	c, ok := r.registry.Lookup(deviceID)
	if !ok {
		return ErrDeviceOffline
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()
	return c.Send(ctx, protocol.NewCommand(name, ""))
}

// RequestStart tells the device to start streaming. When it is offline the
// request is queued for its next connection and queued is true.
func (r *Relay) RequestStart(ctx context.Context, deviceID string) (queued bool, err error) {
	err = r.SendCommand(ctx, deviceID, protocol.CommandStart)
	if err == nil || !errors.Is(err, ErrDeviceOffline) || r.starts == nil {
		return false, err
	}
	if err := r.starts.MarkPendingStart(ctx, deviceID); err != nil {
		return false, fmt.Errorf("queueing start: %w", err)
	}
	return true, nil
}

// ListOnlineDevices returns the identities with a registered connection.
func (r *Relay) ListOnlineDevices() []string {
	return r.registry.IDs()
}

// IsOnline reports whether deviceID has a registered connection.
func (r *Relay) IsOnline(deviceID string) bool {
	_, ok := r.registry.Lookup(deviceID)
	return ok
}

// LatestFrame returns the most recent frame for deviceID without touching
// the network.
func (r *Relay) LatestFrame(deviceID string) (*Frame, bool) {
	return r.cache.Get(deviceID)
}

// Stats returns current counts.
func (r *Relay) Stats() Stats {
	return Stats{
		Devices:         r.registry.Len(),
		Viewers:         r.broadcaster.Total(),
		PendingCommands: r.correlator.Len(),
		CachedFrames:    r.cache.Len(),
	}
}

// Close disconnects every device, fails every pending command and ends
// every subscription. Safe to call multiple times.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.supervisor.Stop()

		for _, c := range r.registry.Snapshot() {
			r.DisconnectDevice(c, "shutdown")
		}
		r.correlator.Close()

		r.bgMu.Lock()
		r.bgClosed = true
		r.bgMu.Unlock()
		r.cancel()
		r.bg.Wait()

		r.broadcaster.Close()
	})
}

// goBackground runs fn unless the relay is closing.
func (r *Relay) goBackground(fn func(ctx context.Context)) {
	r.bgMu.Lock()
	if r.bgClosed {
		r.bgMu.Unlock()
		return
	}
	r.bg.Add(1)
	r.bgMu.Unlock()

	go func() {
		defer r.bg.Done()
		fn(r.ctx)
	}()
}

func (r *Relay) requestFreshFrame(deviceID string) {
	c, online := r.registry.Lookup(deviceID)
	if !online {
		if r.starts == nil {
			return
		}
		r.goBackground(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, startQueueTimeout)
			defer cancel()
			if err := r.starts.MarkPendingStart(ctx, deviceID); err != nil {
				r.logger.Warn("failed to queue start", "device_id", deviceID, "error", err)
			}
		})
		return
	}

	// One opportunistic capture at a time per device.
	if r.correlator.PendingFor(deviceID) > 0 {
		return
	}
	r.goBackground(func(ctx context.Context) {
		p, err := r.correlator.Issue(ctx, c, protocol.CommandCapture, r.opts.CaptureTimeout)
		if err != nil {
			r.logger.Debug("capture on subscribe failed", "device_id", deviceID, "error", err)
			return
		}
		if _, err := p.Wait(ctx); err != nil {
			r.logger.Debug("capture on subscribe unanswered", "device_id", deviceID, "error", err)
		}
	})
}

func (r *Relay) deliverPendingStart(ctx context.Context, c *Conn) {
	if r.starts == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, startQueueTimeout)
	defer cancel()

	pending, err := r.starts.TakePendingStart(qctx, c.DeviceID)
	if err != nil {
		r.logger.Warn("failed to read pending start", "device_id", c.DeviceID, "error", err)
		return
	}
	if !pending {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()
	if err := c.Send(sctx, protocol.NewCommand(protocol.CommandStart, "")); err != nil {
		r.logger.Warn("failed to deliver pending start", "device_id", c.DeviceID, "error", err)
		return
	}
	r.logger.Info("delivered pending start", "device_id", c.DeviceID)
}
