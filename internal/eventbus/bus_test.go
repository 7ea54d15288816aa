package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: JobProcessed})
	b.Publish(Event{Type: JobSkipped})

	if got := len(a); got != 1 {
		t.Fatalf("subscriber with buffer 1 holds %d events, want 1", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("subscriber with buffer 4 holds %d events, want 2", got)
	}
	e := <-a
	if e.Type != JobProcessed {
		t.Fatalf("first event = %q, want %q", e.Type, JobProcessed)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp the event time")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskStarted})
}
