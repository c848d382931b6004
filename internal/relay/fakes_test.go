package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/camrelay/internal/protocol"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	mu      sync.Mutex
	sent    []protocol.Command
	sendErr error
	pingErr error
	pings   int
	closes  int

	// pingHold, when set, stalls Ping until it is closed or ctx ends.
	pingHold chan struct{}

	sentCh chan protocol.Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan protocol.Command, 64)}
}

func (f *fakeTransport) Send(_ context.Context, cmd protocol.Command) error {
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, cmd)
	}
	f.mu.Unlock()
	if err == nil {
		f.sentCh <- cmd
	}
	return err
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pings++
	hold, err := f.pingHold, f.pingErr
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// nextCommand waits for the next command sent over the transport.
func (f *fakeTransport) nextCommand(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case cmd := <-f.sentCh:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for command")
		return protocol.Command{}
	}
}

func (f *fakeTransport) assertNoCommand(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-f.sentCh:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

var errSinkGone = errors.New("viewer went away")

type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	// block, when set, makes Write wait until it is closed or ctx ends.
	block chan struct{}

	got       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		got:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSink) Write(ctx context.Context, payload []byte) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.frames = append(s.frames, payload)
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.got <- payload
	return nil
}

func (s *fakeSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSink) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-s.got:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (s *fakeSink) assertNothing(t *testing.T) {
	t.Helper()
	select {
	case p := <-s.got:
		t.Fatalf("unexpected frame %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *fakeSink) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitTimeout):
		t.Fatal("sink was not closed")
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
	}
}
