package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is one viewer's output.
type Sink interface {
	// Write delivers one frame payload, returning an error if the viewer is
	// gone or ctx's deadline passes first.
	Write(ctx context.Context, payload []byte) error

	// Close releases the viewer's resources.
	Close() error
}

// Subscription is a viewer attached to one device's frames.
type Subscription struct {
	ID       uint64
	DeviceID string

	sink   Sink
	queue  chan *Frame
	ctx    context.Context
	cancel context.CancelFunc

	endOnce sync.Once
	reason  error
}

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err reports why the subscription ended: nil after Unsubscribe,
// ErrSinkClosed or ErrSlowSubscriber when the viewer was dropped, or
// ErrRelayClosed on shutdown. Only meaningful after Done is closed.
func (s *Subscription) Err() error {
	<-s.ctx.Done()
	return s.reason
}

func (s *Subscription) end(reason error) bool {
	ended := false
	s.endOnce.Do(func() {
		s.reason = reason
		s.cancel()
		ended = true
	})
	return ended
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Broadcaster fans frames out to every subscriber of a device.
//
// Each subscriber owns a bounded queue drained by its own goroutine, so a
// slow or broken viewer never stalls the publisher or other viewers. A
// full queue drops the viewer; a failed write removes it.
type Broadcaster struct {
	cache        *FrameCache
	buffer       int
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
	closed atomic.Bool

	nextID atomic.Uint64
	wg     sync.WaitGroup

	// onRemove is called once for every subscription that ends.
	onRemove func(sub *Subscription, reason error)
	logger   Logger
}

// NewBroadcaster creates a broadcaster that records published frames in cache.
func NewBroadcaster(cache *FrameCache, buffer int, writeTimeout time.Duration) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultSubscriberWriteTimeout
	}
	return &Broadcaster{
		cache:        cache,
		buffer:       buffer,
		writeTimeout: writeTimeout,
		now:          time.Now,
		topics:       make(map[string]*topic),
		onRemove:     func(*Subscription, error) {},
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

func (b *Broadcaster) topic(deviceID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[deviceID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[deviceID] = t
	}
	return t
}

// Subscribe attaches sink to deviceID. If a frame is cached it is queued to
// the new subscriber immediately and returned as replayed.
func (b *Broadcaster) Subscribe(deviceID string, sink Sink) (sub *Subscription, replayed *Frame, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub = &Subscription{
		ID:       b.nextID.Add(1),
		DeviceID: deviceID,
		sink:     sink,
		queue:    make(chan *Frame, b.buffer),
		ctx:      ctx,
		cancel:   cancel,
	}

	t := b.topic(deviceID)
	t.mu.Lock()
	if b.closed.Load() {
		t.mu.Unlock()
		cancel()
		return nil, nil, ErrRelayClosed
	}
	// Replay and registration happen under the topic lock so no publish can
	// slip in between: the subscriber sees the cached frame, then every
	// later frame, in order.
	if f, ok := b.cache.Get(deviceID); ok {
		sub.queue <- f
		replayed = f
	}
	t.subs[sub] = struct{}{}
	b.wg.Add(1)
	t.mu.Unlock()

	go b.pump(t, sub)
	return sub, replayed, nil
}

// Publish caches payload as the latest frame for deviceID and queues it to
// every subscriber. It never blocks on a subscriber and never fails.
func (b *Broadcaster) Publish(deviceID string, payload []byte) *Frame {
	t := b.topic(deviceID)

	var dropped []*Subscription
	t.mu.Lock()
	f := b.cache.Put(deviceID, payload, b.now())
	for sub := range t.subs {
		select {
		case sub.queue <- f:
		default:
			delete(t.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range dropped {
		b.finish(sub, ErrSlowSubscriber)
	}
	return f
}

// Unsubscribe removes sub regardless of its sink's health.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.remove(sub, nil)
}

// Count returns the number of subscribers for deviceID.
func (b *Broadcaster) Count(deviceID string) int {
	b.mu.Lock()
	t, ok := b.topics[deviceID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Total returns the number of subscribers across all devices.
func (b *Broadcaster) Total() int {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	n := 0
	for _, t := range topics {
		t.mu.Lock()
		n += len(t.subs)
		t.mu.Unlock()
	}
	return n
}

// Close ends every subscription and waits for their goroutines to exit.
func (b *Broadcaster) Close() {
	b.closed.Store(true)

	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		subs := make([]*Subscription, 0, len(t.subs))
		for sub := range t.subs {
			subs = append(subs, sub)
			delete(t.subs, sub)
		}
		t.mu.Unlock()
		for _, sub := range subs {
			b.finish(sub, ErrRelayClosed)
		}
	}
	b.wg.Wait()
}

func (b *Broadcaster) remove(sub *Subscription, reason error) {
	t := b.topic(sub.DeviceID)
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
	b.finish(sub, reason)
}

func (b *Broadcaster) finish(sub *Subscription, reason error) {
	if sub.end(reason) {
		b.onRemove(sub, reason)
	}
}

// pump drains one subscriber's queue into its sink.
func (b *Broadcaster) pump(t *topic, sub *Subscription) {
	defer b.wg.Done()
	defer sub.sink.Close() //nolint:errcheck // Viewer is gone either way

	for {
		select {
		case <-sub.ctx.Done():
			return
		case f := <-sub.queue:
			wctx, cancel := context.WithTimeout(sub.ctx, b.writeTimeout)
			err := sub.sink.Write(wctx, f.Payload)
			cancel()
			if err != nil {
				b.logger.Debug("viewer write failed",
					"device_id", sub.DeviceID, "subscription", sub.ID, "error", err)
				t.mu.Lock()
				delete(t.subs, sub)
				t.mu.Unlock()
				b.finish(sub, fmt.Errorf("%w: %v", ErrSinkClosed, err))
				return
			}
		}
	}
}
