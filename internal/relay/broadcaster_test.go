package relay

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestBroadcaster(buffer int) *Broadcaster {
	return NewBroadcaster(NewFrameCache(), buffer, 200*time.Millisecond)
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := newTestBroadcaster(8)
	defer b.Close()

	sink := newFakeSink()
	if _, _, err := b.Subscribe("cam1", sink); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish("cam1", []byte("f1"))
	b.Publish("cam1", []byte("f2"))

	if got := sink.next(t); string(got) != "f1" {
		t.Errorf("first frame = %q, want f1", got)
	}
	if got := sink.next(t); string(got) != "f2" {
		t.Errorf("second frame = %q, want f2", got)
	}
	if f, _ := b.cache.Get("cam1"); string(f.Payload) != "f2" {
		t.Errorf("cached frame = %q, want f2", f.Payload)
	}
}

func TestBroadcaster_ReplaysCachedFrame(t *testing.T) {
	b := newTestBroadcaster(8)
	defer b.Close()

	b.Publish("cam1", []byte("old"))
	b.Publish("cam1", []byte("latest"))

	sink := newFakeSink()
	_, replayed, err := b.Subscribe("cam1", sink)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if replayed == nil || string(replayed.Payload) != "latest" {
		t.Fatalf("replayed = %v, want latest", replayed)
	}
	if got := sink.next(t); string(got) != "latest" {
		t.Errorf("replayed frame = %q, want latest", got)
	}
	sink.assertNothing(t)

	// No cached frame: nothing replayed.
	_, replayed, err = b.Subscribe("cam2", newFakeSink())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if replayed != nil {
		t.Errorf("replayed = %v, want nil", replayed)
	}
}

func TestBroadcaster_FailingSinkIsRemoved(t *testing.T) {
	b := newTestBroadcaster(8)
	defer b.Close()

	bad := newFakeSink()
	bad.writeErr = errSinkGone
	good := newFakeSink()

	badSub, _, _ := b.Subscribe("cam1", bad)
	b.Subscribe("cam1", good) //nolint:errcheck // Test

	b.Publish("cam1", []byte("f1"))
	waitDone(t, badSub.Done())

	if !errors.Is(badSub.Err(), ErrSinkClosed) {
		t.Errorf("Err() = %v, want ErrSinkClosed", badSub.Err())
	}
	bad.waitClosed(t)

	b.Publish("cam1", []byte("f2"))
	if got := good.next(t); string(got) != "f1" {
		t.Errorf("good sink first = %q", got)
	}
	if got := good.next(t); string(got) != "f2" {
		t.Errorf("good sink second = %q", got)
	}
	if n := bad.writes(); n != 1 {
		t.Errorf("failing sink saw %d writes, want 1", n)
	}
	if n := b.Count("cam1"); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestBroadcaster_SlowSubscriberDropped(t *testing.T) {
	// A long write timeout so the slow sink is dropped for overflow, not for
	// a failed write.
	b := NewBroadcaster(NewFrameCache(), 1, 5*time.Second)
	defer b.Close()

	slow := newFakeSink()
	slow.block = make(chan struct{})
	fast := newFakeSink()

	slowSub, _, _ := b.Subscribe("cam1", slow)
	b.Subscribe("cam1", fast) //nolint:errcheck // Test

	// f1 is taken by the slow pump and blocks; f2 fills its queue; f3 overflows.
	b.Publish("cam1", []byte("f1"))
	if got := fast.next(t); string(got) != "f1" {
		t.Fatalf("fast first = %q", got)
	}
	deadline := time.Now().Add(waitTimeout)
	for len(slowSub.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.Publish("cam1", []byte("f2"))
	fast.next(t)
	b.Publish("cam1", []byte("f3"))
	fast.next(t)

	waitDone(t, slowSub.Done())
	if !errors.Is(slowSub.Err(), ErrSlowSubscriber) {
		t.Errorf("Err() = %v, want ErrSlowSubscriber", slowSub.Err())
	}
	slow.waitClosed(t)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := newTestBroadcaster(8)
	defer b.Close()

	var removed []error
	b.onRemove = func(_ *Subscription, reason error) { removed = append(removed, reason) }

	sink := newFakeSink()
	sub, _, _ := b.Subscribe("cam1", sink)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	sink.waitClosed(t)
	if sub.Err() != nil {
		t.Errorf("Err() = %v, want nil", sub.Err())
	}
	if len(removed) != 1 {
		t.Errorf("onRemove called %d times, want 1", len(removed))
	}

	b.Publish("cam1", []byte("after"))
	sink.assertNothing(t)
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := newTestBroadcaster(8)
	defer b.Close()

	f := b.Publish("cam1", []byte{0xFF, 0xD8})
	if !bytes.Equal(f.Payload, []byte{0xFF, 0xD8}) {
		t.Errorf("Publish() returned %v", f.Payload)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := newTestBroadcaster(8)
	sink := newFakeSink()
	sub, _, _ := b.Subscribe("cam1", sink)

	b.Close()

	if !errors.Is(sub.Err(), ErrRelayClosed) {
		t.Errorf("Err() = %v, want ErrRelayClosed", sub.Err())
	}
	sink.waitClosed(t)
	if _, _, err := b.Subscribe("cam1", newFakeSink()); !errors.Is(err, ErrRelayClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrRelayClosed", err)
	}
	if b.Total() != 0 {
		t.Errorf("Total() = %d, want 0", b.Total())
	}
}
