package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/camrelay/internal/relay"
)

const defaultFlushInterval = 10 * time.Second

// TelemetryWriter receives relay events for time-series storage. Satisfied
// by *influxdb.Client.
type TelemetryWriter interface {
	WriteDeviceEvent(deviceID, event, reason string)
	WriteFrameStats(deviceID string, frames int, bytes int64, at time.Time)
	WriteCommand(deviceID, name, state string, latency time.Duration)
	WriteViewerEvent(deviceID, event, reason string)
}

// Logger defines the logging interface used by Telemetry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type frameTally struct {
	frames int
	bytes  int64
}

// Telemetry forwards relay events to a TelemetryWriter. Frames are summed
// per device and written once per flush interval instead of per frame.
type Telemetry struct {
	w        TelemetryWriter
	interval time.Duration
	logger   Logger
	now      func() time.Time

	mu     sync.Mutex
	frames map[string]*frameTally

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTelemetry creates a forwarder. A non-positive interval uses 10s.
func NewTelemetry(w TelemetryWriter, interval time.Duration) *Telemetry {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Telemetry{
		w:        w,
		interval: interval,
		logger:   noopLogger{},
		now:      time.Now,
		frames:   make(map[string]*frameTally),
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger.
func (t *Telemetry) SetLogger(logger Logger) {
	t.logger = logger
}

// Start begins periodic frame flushes until ctx is cancelled or Stop is
// called.
func (t *Telemetry) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Flush()
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes any frames still tallied.
func (t *Telemetry) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	t.Flush()
}

// Flush writes one frame-stats point per device seen since the last flush.
func (t *Telemetry) Flush() {
	t.mu.Lock()
	pending := t.frames
	t.frames = make(map[string]*frameTally, len(pending))
	t.mu.Unlock()

	at := t.now()
	for id, tally := range pending {
		t.w.WriteFrameStats(id, tally.frames, tally.bytes, at)
	}
	if len(pending) > 0 {
		t.logger.Debug("frame telemetry flushed", "devices", len(pending))
	}
}

// DeviceConnected implements relay.Observer.
func (t *Telemetry) DeviceConnected(c *relay.Conn, replaced bool) {
	reason := ""
	if replaced {
		reason = "replaced previous"
	}
	t.w.WriteDeviceEvent(c.DeviceID, "connected", reason)
}

// DeviceDisconnected implements relay.Observer.
func (t *Telemetry) DeviceDisconnected(c *relay.Conn, reason string) {
	t.w.WriteDeviceEvent(c.DeviceID, "disconnected", reason)
}

// FrameReceived implements relay.Observer.
func (t *Telemetry) FrameReceived(deviceID string, size int) {
	t.mu.Lock()
	tally, ok := t.frames[deviceID]
	if !ok {
		tally = &frameTally{}
		t.frames[deviceID] = tally
	}
	tally.frames++
	tally.bytes += int64(size)
	t.mu.Unlock()
}

// ViewerJoined implements relay.Observer.
func (t *Telemetry) ViewerJoined(deviceID string) {
	t.w.WriteViewerEvent(deviceID, "joined", "")
}

// ViewerLeft implements relay.Observer.
func (t *Telemetry) ViewerLeft(deviceID string, reason error) {
	t.w.WriteViewerEvent(deviceID, "left", ViewerLeftReason(reason))
}

// CommandFinished implements relay.Observer.
func (t *Telemetry) CommandFinished(p *relay.PendingCommand) {
	t.w.WriteCommand(p.DeviceID, p.Name, p.State().String(), t.now().Sub(p.CreatedAt))
}

// MessageDropped implements relay.Observer.
func (t *Telemetry) MessageDropped(deviceID string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	t.w.WriteDeviceEvent(deviceID, "message_dropped", reason)
}
