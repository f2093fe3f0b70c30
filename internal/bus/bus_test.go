package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSChat, 10)
	defer unsub()

	b.Publish(Event{Kind: "chat.state_changed", ID: "chat-1"})

	select {
	case evt := <-ch:
		if evt.Kind != "chat.state_changed" {
			t.Errorf("got kind %q, want chat.state_changed", evt.Kind)
		}
		if evt.ID != "chat-1" {
			t.Errorf("got id %q, want chat-1", evt.ID)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not filled in at publish time")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSTransfer, 10)
	defer unsub()

	b.Publish(Event{Kind: "chat.message_received"})
	b.Publish(Event{Kind: "transfer.progress"})

	select {
	case evt := <-ch:
		if evt.Kind != "transfer.progress" {
			t.Errorf("got kind %q, want transfer.progress", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure chat event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSChat, 10)
	unsub()

	b.Publish(Event{Kind: "chat.state_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
