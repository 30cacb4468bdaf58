// Package syncengine keeps an owner's CRM records synchronized with the
// hosted backend: optimistic mutations with rollback, live change-event
// merging, and full reconciliation after channel loss.
package syncengine

import (
	"sync"

	"github.com/copperlinehq/copperline/internal/crm"
)

// Cache is the in-memory ordered record list for one collection, newest
// first by creation time. It is written by the mutation coordinator and the
// change-event listener and read by UI bindings and the metrics aggregator.
// Every mutation synchronously notifies subscribers after the write.
type Cache struct {
	mu          sync.Mutex
	collection  crm.Collection
	records     []crm.Record
	subscribers map[int64]func()
	nextSubID   int64
}

// NewCache constructs an empty cache for the collection.
func NewCache(collection crm.Collection) *Cache {
	return &Cache{
		collection:  collection,
		subscribers: make(map[int64]func()),
	}
}

// Collection returns the collection the cache holds.
func (c *Cache) Collection() crm.Collection {
	return c.collection
}

// All returns a snapshot copy of the cached records in display order.
func (c *Cache) All() []crm.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]crm.Record, 0, len(c.records))
	for _, record := range c.records {
		snapshot = append(snapshot, record.Clone())
	}
	return snapshot
}

// Get returns the record with the identifier, if present.
func (c *Cache) Get(id string) (crm.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.records {
		if record.ID == id {
			return record.Clone(), true
		}
	}
	return crm.Record{}, false
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Upsert replaces the record with the same identifier in place, or inserts a
// new record at its sorted position. Identifiers stay unique.
func (c *Cache) Upsert(record crm.Record) {
	c.mu.Lock()
	replaced := false
	for index := range c.records {
		if c.records[index].ID == record.ID {
			c.records[index] = record.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		c.insertSorted(record.Clone())
	}
	c.mu.Unlock()
	c.notify()
}

// Remove deletes the record and reports the record and its ordinal position,
// so a failed optimistic delete can restore it exactly where it was.
func (c *Cache) Remove(id string) (crm.Record, int, bool) {
	c.mu.Lock()
	for index, record := range c.records {
		if record.ID == id {
			removed := record
			c.records = append(c.records[:index], c.records[index+1:]...)
			c.mu.Unlock()
			c.notify()
			return removed, index, true
		}
	}
	c.mu.Unlock()
	return crm.Record{}, 0, false
}

// InsertAt restores a record at the ordinal position it was removed from.
// Positions past the end append.
func (c *Cache) InsertAt(index int, record crm.Record) {
	c.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index > len(c.records) {
		index = len(c.records)
	}
	c.records = append(c.records, crm.Record{})
	copy(c.records[index+1:], c.records[index:])
	c.records[index] = record.Clone()
	c.mu.Unlock()
	c.notify()
}

// ReplaceID swaps a temporary optimistic identifier for the server-confirmed
// record. This is the only operation allowed to change a record's identity.
// If a change event already delivered the final record, the temporary one is
// dropped and the confirmed record replaces the delivered copy in place.
func (c *Cache) ReplaceID(tempID string, final crm.Record) {
	c.mu.Lock()
	tempIndex := -1
	finalIndex := -1
	for index, record := range c.records {
		switch record.ID {
		case tempID:
			tempIndex = index
		case final.ID:
			finalIndex = index
		}
	}
	switch {
	case finalIndex >= 0:
		c.records[finalIndex] = final.Clone()
		if tempIndex >= 0 {
			c.records = append(c.records[:tempIndex], c.records[tempIndex+1:]...)
		}
	case tempIndex >= 0:
		c.records[tempIndex] = final.Clone()
	default:
		c.insertSorted(final.Clone())
	}
	c.mu.Unlock()
	c.notify()
}

// ReplaceAll swaps the cache contents for a server-authoritative snapshot,
// preserving any records whose identifiers appear in keep (in-flight
// optimistic records during a resync).
func (c *Cache) ReplaceAll(records []crm.Record, keep map[string]struct{}) {
	c.mu.Lock()
	retained := make([]crm.Record, 0, len(records)+len(keep))
	for _, record := range c.records {
		if _, ok := keep[record.ID]; ok {
			retained = append(retained, record)
		}
	}
	c.records = retained
	for _, record := range records {
		if _, ok := keep[record.ID]; ok {
			continue
		}
		c.insertSorted(record.Clone())
	}
	c.mu.Unlock()
	c.notify()
}

// Subscribe registers a change notification callback and returns its
// unsubscribe function. Callbacks run synchronously after each mutation.
func (c *Cache) Subscribe(callback func()) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = callback
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// insertSorted places the record by creation time descending, ties broken by
// identifier for determinism. Caller holds the lock.
func (c *Cache) insertSorted(record crm.Record) {
	position := len(c.records)
	for index, existing := range c.records {
		if record.CreatedAt.After(existing.CreatedAt) ||
			(record.CreatedAt.Equal(existing.CreatedAt) && record.ID < existing.ID) {
			position = index
			break
		}
	}
	c.records = append(c.records, crm.Record{})
	copy(c.records[position+1:], c.records[position:])
	c.records[position] = record
}

func (c *Cache) notify() {
	c.mu.Lock()
	callbacks := make([]func(), 0, len(c.subscribers))
	for _, callback := range c.subscribers {
		callbacks = append(callbacks, callback)
	}
	c.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}
