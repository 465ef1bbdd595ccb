package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	b.Publish(Event{Kind: "channel.connected", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "channel.connected" {
			t.Errorf("got kind %q, want channel.connected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "channel.connected"})
	b.Publish(Event{Kind: "message.upserted"})

	select {
	case evt := <-ch:
		if evt.Kind != "message.upserted" {
			t.Errorf("got kind %q, want message.upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure channel event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: "message.upserted"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestSubscriptionOrder(t *testing.T) {
	b := New()
	first, unsub1 := b.Subscribe("call.", 1)
	defer unsub1()
	second, unsub2 := b.Subscribe("call.", 1)
	defer unsub2()

	b.Publish(Event{Kind: "call.phase_changed"})

	// The earlier subscriber's buffer is filled first, so with both buffers
	// sized 1 each subscriber sees exactly this event.
	for i, ch := range []<-chan Event{first, second} {
		select {
		case evt := <-ch:
			if evt.Kind != "call.phase_changed" {
				t.Errorf("subscriber %d: kind = %q", i, evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout", i)
		}
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: "message.upserted", Payload: 1})
	b.Publish(Event{Kind: "message.upserted", Payload: 2})

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("payload = %v, want 1", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
