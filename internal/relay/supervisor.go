package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// maxPingTimeout bounds a single liveness probe write.
const maxPingTimeout = 5 * time.Second

// Supervisor evicts device connections that stop answering heartbeats.
//
// Every interval it visits each registered connection. A connection that
// has not acknowledged the previous probe is evicted; otherwise its ack
// flag is cleared and a new probe is sent. A device that keeps answering
// stays registered even if it never sends media.
type Supervisor struct {
	registry *Registry
	interval time.Duration
	evict    func(c *Conn, reason string)
	logger   Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor. evict is called for every connection
// that misses a heartbeat or whose probe cannot be sent.
func NewSupervisor(registry *Registry, interval time.Duration, evict func(c *Conn, reason string)) *Supervisor {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Supervisor{
		registry: registry,
		interval: interval,
		evict:    evict,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins periodic sweeps. Call Stop to shut down.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
// Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one heartbeat cycle and returns the number of evictions.
// Probes run concurrently, so one stalled transport delays only its own
// connection; Sweep returns once every probe has finished or timed out.
func (s *Supervisor) Sweep(ctx context.Context) int {
	var (
		evicted atomic.Int32
		wg      sync.WaitGroup
	)
	timeout := min(s.interval/2, maxPingTimeout)
	for _, c := range s.registry.Snapshot() {
		if !c.acked.CompareAndSwap(true, false) {
			s.logger.Warn("device missed heartbeat",
				"device_id", c.DeviceID, "last_ack", c.LastAck())
			s.evict(c, "heartbeat timeout")
			evicted.Add(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := c.transport.Ping(pingCtx); err != nil {
				s.logger.Warn("heartbeat probe failed", "device_id", c.DeviceID, "error", err)
				s.evict(c, "probe failed")
				evicted.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(evicted.Load())
}
