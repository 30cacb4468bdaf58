package realtime

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/store"
)

func changeEvent(ownerID, recordID string) store.Event {
	return store.Event{
		Collection: crm.CollectionCustomers,
		Kind:       store.EventInsert,
		OwnerID:    ownerID,
		Record:     crm.Record{ID: recordID, OwnerID: ownerID},
	}
}

func receiveEvent(t *testing.T, stream <-chan store.Event) store.Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return store.Event{}
	}
}

func TestPublishReachesOwnerSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanup()

	dispatcher.Publish(changeEvent("owner-1", "c-1"))

	event := receiveEvent(t, stream)
	if event.Record.ID != "c-1" {
		t.Fatalf("unexpected event %#v", event)
	}
}

func TestPublishIsolatesOwners(t *testing.T) {
	dispatcher := NewDispatcher()
	first, cleanupFirst := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(context.Background(), "owner-2")
	defer cleanupSecond()

	dispatcher.Publish(changeEvent("owner-2", "c-9"))

	if event := receiveEvent(t, second); event.Record.ID != "c-9" {
		t.Fatalf("unexpected event for owner-2: %#v", event)
	}
	select {
	case event := <-first:
		t.Fatalf("owner-1 received foreign event %#v", event)
	default:
	}
}

func TestPublishFansOutToAllSessionsOfOwner(t *testing.T) {
	dispatcher := NewDispatcher()
	first, cleanupFirst := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanupSecond()

	dispatcher.Publish(changeEvent("owner-1", "c-3"))

	if event := receiveEvent(t, first); event.Record.ID != "c-3" {
		t.Fatalf("first session missed event: %#v", event)
	}
	if event := receiveEvent(t, second); event.Record.ID != "c-3" {
		t.Fatalf("second session missed event: %#v", event)
	}
}

func TestCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
	cleanup()

	dispatcher.Publish(changeEvent("owner-1", "c-1"))

	select {
	case event, ok := <-stream:
		if ok {
			t.Fatalf("received event after cleanup: %#v", event)
		}
	default:
	}
}

func TestCleanupClosesStream(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
	cleanup()
	cleanup()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("unexpected event on cleaned-up stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed by cleanup")
	}
}

func TestRepeatedSubscribeCyclesReleaseGoroutines(t *testing.T) {
	dispatcher := NewDispatcher()
	before := runtime.NumGoroutine()

	for index := 0; index < 50; index++ {
		_, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
		cleanup()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber goroutines leaked: %d before, %d after", before, runtime.NumGoroutine())
}

func TestContextCancellationDetachesSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["owner-1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber still registered after context cancellation")
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanup()

	for index := 0; index < defaultBufferSize+5; index++ {
		dispatcher.Publish(changeEvent("owner-1", "c-overflow"))
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
		default:
			if drained != defaultBufferSize {
				t.Fatalf("expected %d buffered events, got %d", defaultBufferSize, drained)
			}
			return
		}
	}
}

func TestPublishIgnoresAnonymousEvents(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "owner-1")
	defer cleanup()

	dispatcher.Publish(store.Event{Kind: store.EventInsert})
	dispatcher.Publish(store.Event{OwnerID: "owner-1"})

	select {
	case event := <-stream:
		t.Fatalf("unexpected delivery %#v", event)
	default:
	}
}
