package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	all := b.Subscribe()
	failovers := b.Subscribe(KindFailover)

	b.Publish(New(KindConnected, "rtu-1", nil))
	b.Publish(New(KindFailover, "rtu-1", "rtu-1-bak"))

	if ev := receive(t, all); ev.Kind != KindConnected {
		t.Errorf("first event on all = %s", ev.Kind)
	}
	if ev := receive(t, all); ev.Kind != KindFailover {
		t.Errorf("second event on all = %s", ev.Kind)
	}
	ev := receive(t, failovers)
	if ev.Kind != KindFailover || ev.Station != "rtu-1" || ev.Data != "rtu-1-bak" {
		t.Errorf("filtered event = %+v", ev)
	}

	select {
	case ev := <-failovers:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Kind: KindConflict})
}

func TestBusUnsubscribeCloses(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	b.Publish(New(KindConnected, "rtu-1", nil))
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(New(KindStateChanged, "rtu-1", i))
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}
}
