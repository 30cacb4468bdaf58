// Package realtime fans row change events out to per-owner subscribers.
package realtime

import (
	"context"
	"sync"

	"github.com/copperlinehq/copperline/internal/store"
)

const defaultBufferSize = 16

// Dispatcher routes change events to every live subscriber of the owning
// account. Slow subscribers drop events; the change-event listener closes the
// gap with a full list reconciliation after any loss of continuity.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan store.Event
	done   chan struct{}
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for the owner. The stream is detached when the
// context is cancelled or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan store.Event, func()) {
	if ownerID == "" {
		ch := make(chan store.Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan store.Event, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.registerSubscriber(ownerID, sub)
	cleanup := func() {
		d.unregisterSubscriber(ownerID, sub.id)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of its owner. Sends happen
// under the read lock so an unregister cannot close a stream mid-send.
func (d *Dispatcher) Publish(event store.Event) {
	if event.OwnerID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[event.OwnerID] {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(ownerID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	d.subscribers[ownerID][sub.id] = sub
}

// unregisterSubscriber detaches and closes the subscriber's channels exactly
// once. Closing the stream terminates any consumer ranging over it; closing
// done releases the context watcher. Repeated cleanup is a no-op because the
// map entry is already gone.
func (d *Dispatcher) unregisterSubscriber(ownerID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[ownerID]
	sub, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, ownerID)
	}
	close(sub.stream)
	close(sub.done)
}
