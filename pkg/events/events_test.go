package events

import (
	"testing"
	"time"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:    EventIncidentChanged,
		Message: "incident level changed",
		Metadata: map[string]string{
			"from": "NORMAL",
			"to":   "QUARANTINE",
		},
	})

	select {
	case event := <-sub:
		if event.Type != EventIncidentChanged {
			t.Errorf("event type = %q, want %q", event.Type, EventIncidentChanged)
		}
		if event.Timestamp.IsZero() {
			t.Error("timestamp should be set on publish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksWithoutRunLoop(t *testing.T) {
	// Not started: nothing drains the internal buffer. Publishers on the
	// backup and restore paths must still return immediately.
	broker := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			broker.Publish(&Event{Type: EventBackupCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked once the buffer filled")
	}
}

func TestBrokerSkipsSlowSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained; the broadcast must not block once its buffer fills.
	slow := broker.Subscribe()

	for i := 0; i < 120; i++ {
		broker.Publish(&Event{Type: EventBackupCompleted})
	}

	// A fresh subscriber still receives new events.
	sub := broker.Subscribe()
	broker.Publish(&Event{Type: EventAlertCreated})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sub:
			if event.Type == EventAlertCreated {
				broker.Unsubscribe(sub)
				broker.Unsubscribe(slow)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for event after slow subscriber backlog")
		}
	}
}
