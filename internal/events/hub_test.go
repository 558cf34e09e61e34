package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(QueueItemEnqueued, map[string]string{"item_id": "i1"})

	select {
	case ev := <-ch:
		if ev.Type != QueueItemEnqueued {
			t.Fatalf("type = %q", ev.Type)
		}
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data["item_id"] != "i1" {
			t.Fatalf("unexpected data: %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	h.Publish("a", nil)
	h.Publish("b", nil)
	h.Publish("c", nil)

	events := h.SnapshotSince(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("ids not increasing: %d then %d", events[i-1].ID, events[i].ID)
		}
	}
}

func TestSnapshotSinceFiltersByID(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	for i := 0; i < 5; i++ {
		h.Publish(Type(fmt.Sprintf("ev.%d", i)), nil)
	}

	all := h.SnapshotSince(0)
	if len(all) != 5 {
		t.Fatalf("full snapshot has %d events", len(all))
	}

	tail := h.SnapshotSince(all[2].ID)
	if len(tail) != 2 {
		t.Fatalf("expected 2 newer events, got %d", len(tail))
	}
	if tail[0].ID != all[3].ID {
		t.Fatalf("tail starts at %d, want %d", tail[0].ID, all[3].ID)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(Type(fmt.Sprintf("ev.%d", i)), nil)
	}

	events := h.SnapshotSince(0)
	if len(events) != 3 {
		t.Fatalf("ring holds %d events, want 3", len(events))
	}
	if events[0].Type != "ev.2" || events[2].Type != "ev.4" {
		t.Fatalf("unexpected ring contents: %v, %v, %v", events[0].Type, events[1].Type, events[2].Type)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	// Nobody drains the channel; publishing must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish("ev.flood", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	// Cancel is idempotent.
	cancel()
}
