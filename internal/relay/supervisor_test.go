package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type evictRecorder struct {
	mu      sync.Mutex
	evicted map[string]string
}

func (e *evictRecorder) evict(c *Conn, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted[c.DeviceID] = reason
}

func TestSupervisor_Sweep(t *testing.T) {
	reg := NewRegistry()
	rec := &evictRecorder{evicted: make(map[string]string)}
	s := NewSupervisor(reg, time.Second, rec.evict)

	alive, aliveTr := newTestConn("alive", true)
	silent, silentTr := newTestConn("silent", true)
	reg.Register(alive)
	reg.Register(silent)

	// Fresh connections start acknowledged, so the first sweep only probes.
	if n := s.Sweep(t.Context()); n != 0 {
		t.Fatalf("first Sweep() evicted %d, want 0", n)
	}
	if aliveTr.pingCount() != 1 || silentTr.pingCount() != 1 {
		t.Fatalf("pings = %d/%d, want 1/1", aliveTr.pingCount(), silentTr.pingCount())
	}

	alive.markAck(time.Now())
	if n := s.Sweep(t.Context()); n != 1 {
		t.Fatalf("second Sweep() evicted %d, want 1", n)
	}
	if rec.evicted["silent"] != "heartbeat timeout" {
		t.Errorf("silent evicted with %q, want heartbeat timeout", rec.evicted["silent"])
	}
	if _, ok := rec.evicted["alive"]; ok {
		t.Error("acknowledging connection was evicted")
	}
	if aliveTr.pingCount() != 2 {
		t.Errorf("alive pings = %d, want 2", aliveTr.pingCount())
	}
}

func TestSupervisor_ProbeFailureEvicts(t *testing.T) {
	reg := NewRegistry()
	rec := &evictRecorder{evicted: make(map[string]string)}
	s := NewSupervisor(reg, time.Second, rec.evict)

	c, tr := newTestConn("cam1", true)
	tr.pingErr = errors.New("write: broken pipe")
	reg.Register(c)

	if n := s.Sweep(t.Context()); n != 1 {
		t.Fatalf("Sweep() evicted %d, want 1", n)
	}
	if rec.evicted["cam1"] != "probe failed" {
		t.Errorf("evicted with %q, want probe failed", rec.evicted["cam1"])
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	reg := NewRegistry()
	evicted := make(chan string, 4)
	s := NewSupervisor(reg, 10*time.Millisecond, func(c *Conn, _ string) {
		reg.Unregister(c)
		evicted <- c.DeviceID
	})

	c, _ := newTestConn("cam1", true)
	reg.Register(c)
	s.Start(t.Context())

	select {
	case id := <-evicted:
		if id != "cam1" {
			t.Errorf("evicted %q, want cam1", id)
		}
	case <-time.After(waitTimeout):
		t.Fatal("silent connection never evicted")
	}

	s.Stop()
	s.Stop()
}

func TestSupervisor_StalledTransportDoesNotDelayOthers(t *testing.T) {
	reg := NewRegistry()
	rec := &evictRecorder{evicted: make(map[string]string)}
	s := NewSupervisor(reg, 400*time.Millisecond, rec.evict)

	hold := make(chan struct{})
	defer close(hold)
	stalled := []string{"stalled1", "stalled2", "stalled3"}
	for _, id := range stalled {
		c, tr := newTestConn(id, true)
		tr.pingHold = hold
		reg.Register(c)
	}
	healthy, healthyTr := newTestConn("healthy", true)
	reg.Register(healthy)

	// Pings time out together, so the sweep costs one ping timeout
	// (200ms) rather than one per stalled connection.
	start := time.Now()
	if n := s.Sweep(t.Context()); n != len(stalled) {
		t.Fatalf("Sweep() evicted %d, want %d", n, len(stalled))
	}
	if elapsed := time.Since(start); elapsed > 450*time.Millisecond {
		t.Errorf("Sweep() took %v, want about one ping timeout", elapsed)
	}
	for _, id := range stalled {
		if rec.evicted[id] != "probe failed" {
			t.Errorf("%s evicted with %q, want probe failed", id, rec.evicted[id])
		}
	}
	if _, ok := rec.evicted["healthy"]; ok {
		t.Error("healthy connection was evicted")
	}
	if healthyTr.pingCount() != 1 {
		t.Errorf("healthy pings = %d, want 1", healthyTr.pingCount())
	}
}

func TestSupervisor_SweepHonoursCancellation(t *testing.T) {
	reg := NewRegistry()
	rec := &evictRecorder{evicted: make(map[string]string)}
	s := NewSupervisor(reg, time.Minute, rec.evict)

	hold := make(chan struct{})
	defer close(hold)
	for _, id := range []string{"cam1", "cam2"} {
		c, tr := newTestConn(id, true)
		tr.pingHold = hold
		reg.Register(c)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- s.Sweep(ctx) }()

	select {
	case n := <-done:
		if n != 2 {
			t.Errorf("Sweep() evicted %d, want 2", n)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Sweep() ignored context cancellation")
	}
}
