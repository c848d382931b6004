package device

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/camrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/camrelay/internal/relay"
)

// Presence defaults.
const (
	defaultTouchInterval = 30 * time.Second
	presenceQueueSize    = 256
	presenceWriteTimeout = 5 * time.Second
	presenceEnqueueWait  = 2 * time.Second
)

// StatusPublisher publishes device status messages. Satisfied by
// *mqtt.Client.
type StatusPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

type presenceKind int

const (
	presenceOnline presenceKind = iota
	presenceOffline
	presenceTouch
)

type presenceEvent struct {
	kind     presenceKind
	deviceID string
	firmware string
	reason   string
	at       time.Time
}

// Presence mirrors relay connection events into device records and onto
// retained MQTT status topics.
//
// Relay callbacks only enqueue; a single goroutine applies events in order,
// so a replaced connection's offline never lands after its successor's
// online. When the queue is full, last_seen touches are dropped; online and
// offline events wait up to presenceEnqueueWait for room and are logged at
// error level if they still cannot be queued.
type Presence struct {
	relay.NopObserver

	store     *Store
	publisher StatusPublisher
	topics    mqtt.Topics
	clientID  string
	interval  time.Duration
	wait      time.Duration
	logger    Logger
	now       func() time.Time

	events chan presenceEvent

	touchMu   sync.Mutex
	lastTouch map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPresence creates a presence tracker. publisher may be nil when MQTT is
// disabled. touchInterval bounds how often streaming frames refresh
// last_seen; zero uses 30s.
func NewPresence(store *Store, publisher StatusPublisher, clientID string, touchInterval time.Duration) *Presence {
	if touchInterval <= 0 {
		touchInterval = defaultTouchInterval
	}
	return &Presence{
		store:     store,
		publisher: publisher,
		clientID:  clientID,
		interval:  touchInterval,
		wait:      presenceEnqueueWait,
		logger:    noopLogger{},
		now:       time.Now,
		events:    make(chan presenceEvent, presenceQueueSize),
		lastTouch: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the tracker.
func (p *Presence) SetLogger(logger Logger) {
	p.logger = logger
}

// Start marks every recorded device offline, since no connection survives
// a restart, and begins applying events.
func (p *Presence) Start(ctx context.Context) error {
	records, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Online {
			continue
		}
		if err := p.store.SetPresence(ctx, rec.ID, false, "", p.now()); err != nil {
			p.logger.Warn("failed to reset presence", "device_id", rec.ID, "error", err)
			continue
		}
		p.publish(rec.ID, mqtt.StatusOffline, "relay_restart")
	}

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop applies events already queued and waits for the loop to exit.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// DeviceConnected implements relay.Observer.
func (p *Presence) DeviceConnected(c *relay.Conn, _ bool) {
	p.touchMu.Lock()
	p.lastTouch[c.DeviceID] = c.RegisteredAt
	p.touchMu.Unlock()

	p.enqueue(presenceEvent{
		kind:     presenceOnline,
		deviceID: c.DeviceID,
		firmware: c.Info.Firmware,
		at:       c.RegisteredAt,
	})
}

// DeviceDisconnected implements relay.Observer. A connection replaced by a
// newer one is not reported; its successor's online event follows.
func (p *Presence) DeviceDisconnected(c *relay.Conn, reason string) {
	if reason == "replaced" {
		return
	}
	p.touchMu.Lock()
	delete(p.lastTouch, c.DeviceID)
	p.touchMu.Unlock()

	p.enqueue(presenceEvent{
		kind:     presenceOffline,
		deviceID: c.DeviceID,
		reason:   reason,
		at:       p.now(),
	})
}

// FrameReceived implements relay.Observer.
func (p *Presence) FrameReceived(deviceID string, _ int) {
	now := p.now()
	p.touchMu.Lock()
	last, ok := p.lastTouch[deviceID]
	due := ok && now.Sub(last) >= p.interval
	if due {
		p.lastTouch[deviceID] = now
	}
	p.touchMu.Unlock()

	if due {
		p.enqueue(presenceEvent{kind: presenceTouch, deviceID: deviceID, at: now})
	}
}

func (p *Presence) enqueue(ev presenceEvent) {
	select {
	case p.events <- ev:
		return
	default:
	}
	if ev.kind == presenceTouch {
		p.logger.Debug("presence queue full, dropping touch", "device_id", ev.deviceID)
		return
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()
	select {
	case p.events <- ev:
	case <-timer.C:
		p.logger.Error("presence queue full, dropping state change",
			"device_id", ev.deviceID, "online", ev.kind == presenceOnline)
	case <-p.done:
		p.logger.Warn("presence stopped, dropping state change", "device_id", ev.deviceID)
	}
}

func (p *Presence) loop() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.events:
			p.apply(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.events:
					p.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Presence) apply(ev presenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	switch ev.kind {
	case presenceOnline:
		if err := p.store.SetPresence(ctx, ev.deviceID, true, ev.firmware, ev.at); err != nil {
			p.logger.Warn("failed to record device online", "device_id", ev.deviceID, "error", err)
		}
		p.publish(ev.deviceID, mqtt.StatusOnline, "")
	case presenceOffline:
		if err := p.store.SetPresence(ctx, ev.deviceID, false, "", ev.at); err != nil {
			p.logger.Warn("failed to record device offline", "device_id", ev.deviceID, "error", err)
		}
		p.publish(ev.deviceID, mqtt.StatusOffline, ev.reason)
	case presenceTouch:
		if err := p.store.Touch(ctx, ev.deviceID, ev.at); err != nil {
			p.logger.Debug("failed to touch device", "device_id", ev.deviceID, "error", err)
		}
	}
}

func (p *Presence) publish(deviceID, status, reason string) {
	if p.publisher == nil {
		return
	}
	msg := mqtt.NewStatusMessage(status, p.clientID, reason)
	if err := p.publisher.PublishJSON(p.topics.DeviceStatus(deviceID), msg, true); err != nil {
		p.logger.Warn("failed to publish device status",
			"device_id", deviceID, "status", status, "error", err)
	}
}
