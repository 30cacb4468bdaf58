package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingAdapter    = errors.New("syncengine: adapter is required")
	errMissingCache      = errors.New("syncengine: cache is required")
	errRecordNotCached   = errors.New("syncengine: record not in cache")
	coordinatorNopLogger = zap.NewNop()
)

// MutationError is the single user-visible failure for a rolled-back
// mutation. It names the operation and the entity so the UI can render
// "Failed to create customer" without inspecting the cause.
type MutationError struct {
	Operation string
	Entity    string
	Kind      store.ErrorKind
	Err       error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Entity, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

var entityNames = map[crm.Collection]string{
	crm.CollectionCustomers:  "customer",
	crm.CollectionLeads:      "lead",
	crm.CollectionJobs:       "job",
	crm.CollectionEstimates:  "estimate",
	crm.CollectionInvoices:   "invoice",
	crm.CollectionTasks:      "task",
	crm.CollectionActivities: "activity",
	crm.CollectionReminders:  "reminder",
	crm.CollectionReviews:    "review",
}

func entityName(collection crm.Collection) string {
	if name, ok := entityNames[collection]; ok {
		return name
	}
	return strings.TrimSuffix(collection.String(), "s")
}

// CoordinatorConfig wires one collection's mutation coordinator.
type CoordinatorConfig struct {
	Collection crm.Collection
	OwnerID    crm.OwnerID
	Adapter    store.Adapter
	Cache      *Cache
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator applies optimistic mutations to the cache, reconciles them
// against adapter responses, and rolls back on confirmed failure. Change
// events for a record with a mutation in flight are queued and applied only
// after the last overlapping mutation for that record resolves, so a server
// echo cannot clobber unconfirmed optimistic state and a rollback cannot
// bury a legitimately newer external change.
type Coordinator struct {
	collection crm.Collection
	ownerID    crm.OwnerID
	adapter    store.Adapter
	cache      *Cache
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// inflightEntry is one record's mutation gate: a claim count covering every
// overlapping mutation, the events queued behind them, and whether the queue
// is to be discarded when the last claim is released.
type inflightEntry struct {
	claims  int
	queued  []store.Event
	discard bool
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = coordinatorNopLogger
	}
	return &Coordinator{
		collection: cfg.Collection,
		ownerID:    cfg.OwnerID,
		adapter:    cfg.Adapter,
		cache:      cfg.Cache,
		clock:      clock,
		logger:     logger,
		inflight:   make(map[string]*inflightEntry),
	}, nil
}

// Cache exposes the coordinated cache for read bindings.
func (co *Coordinator) Cache() *Cache {
	return co.cache
}

// Create inserts an optimistic record under a temporary identifier, issues
// the remote create, and reconciles the temporary identifier with the
// server-assigned one. On failure the optimistic record is removed.
func (co *Coordinator) Create(ctx context.Context, payload json.RawMessage) (crm.Record, error) {
	normalized, err := co.validate("create", payload)
	if err != nil {
		return crm.Record{}, err
	}

	tempID := crm.NewTempID()
	now := co.clock().UTC()
	optimistic := crm.Record{
		ID:         tempID,
		OwnerID:    co.ownerID.String(),
		Collection: co.collection.String(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload:    normalized,
	}

	co.markInFlight(tempID)
	co.cache.Upsert(optimistic)

	confirmed, err := co.adapter.Create(ctx, co.collection, co.ownerID, normalized)
	if err != nil {
		co.cache.Remove(tempID)
		co.resolveInFlight(tempID, true)
		return crm.Record{}, co.fail("create", err)
	}

	co.cache.ReplaceID(tempID, confirmed)
	co.resolveInFlight(tempID, false)
	return confirmed, nil
}

// Update applies the payload optimistically, issues the remote update, and
// replaces the optimistic state with the authoritative response. On failure
// the pre-mutation snapshot is restored; a not-found failure removes the
// record instead, treating it as already deleted remotely.
func (co *Coordinator) Update(ctx context.Context, id string, payload json.RawMessage) (crm.Record, error) {
	normalized, err := co.validate("update", payload)
	if err != nil {
		return crm.Record{}, err
	}

	snapshot, ok := co.cache.Get(id)
	if !ok {
		return crm.Record{}, co.fail("update", store.NewError(store.KindNotFound, "syncengine.update", fmt.Errorf("%w: %s", errRecordNotCached, id)))
	}

	optimistic := snapshot.Clone()
	optimistic.Payload = normalized
	optimistic.UpdatedAt = co.clock().UTC()

	co.markInFlight(id)
	co.cache.Upsert(optimistic)

	confirmed, err := co.adapter.Update(ctx, co.collection, co.ownerID, id, normalized)
	if err != nil {
		if store.KindOf(err) == store.KindNotFound {
			// The record vanished server-side. Queued events are discarded
			// with it: server ids are never reused, so anything queued can
			// only concern the vanished row.
			co.cache.Remove(id)
			co.resolveInFlight(id, true)
		} else {
			co.cache.Upsert(snapshot)
			co.resolveInFlight(id, false)
		}
		return crm.Record{}, co.fail("update", err)
	}

	co.cache.Upsert(confirmed)
	co.resolveInFlight(id, false)
	return confirmed, nil
}

// Delete removes the record optimistically and issues the remote delete. On
// failure the record is restored at its original ordinal position. Events
// queued behind a successful delete are discarded; after a rollback they are
// applied.
func (co *Coordinator) Delete(ctx context.Context, id string) error {
	co.markInFlight(id)
	snapshot, index, ok := co.cache.Remove(id)
	if !ok {
		co.resolveInFlight(id, true)
		return co.fail("delete", store.NewError(store.KindNotFound, "syncengine.delete", fmt.Errorf("%w: %s", errRecordNotCached, id)))
	}

	if err := co.adapter.Delete(ctx, co.collection, co.ownerID, id); err != nil {
		if store.KindOf(err) == store.KindNotFound {
			// Already gone remotely; the optimistic removal stands.
			co.resolveInFlight(id, true)
			return nil
		}
		co.cache.InsertAt(index, snapshot)
		co.resolveInFlight(id, false)
		return co.fail("delete", err)
	}

	co.resolveInFlight(id, true)
	return nil
}

// HandleEvent merges an externally-originated change into the cache, or
// queues it while a mutation for the same record is in flight.
func (co *Coordinator) HandleEvent(event store.Event) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if entry, ok := co.inflight[event.Record.ID]; ok {
		entry.queued = append(entry.queued, event)
		return
	}
	co.applyEventLocked(event)
}

// Reconcile replaces the cache with a server-authoritative listing, keeping
// records with mutations still in flight. Used after the live channel
// reconnects, since missed events are not replayed.
func (co *Coordinator) Reconcile(records []crm.Record) {
	co.mu.Lock()
	defer co.mu.Unlock()
	keep := make(map[string]struct{}, len(co.inflight))
	for id := range co.inflight {
		keep[id] = struct{}{}
	}
	co.cache.ReplaceAll(records, keep)
}

func (co *Coordinator) validate(operation string, payload json.RawMessage) (json.RawMessage, error) {
	normalized, err := crm.NormalizeTotals(co.collection, payload)
	if err != nil {
		return nil, co.fail(operation, store.NewError(store.KindValidation, "syncengine.validate", err))
	}
	if err := crm.DecodePayload(co.collection, normalized); err != nil {
		return nil, co.fail(operation, store.NewError(store.KindValidation, "syncengine.validate", err))
	}
	return normalized, nil
}

// markInFlight adds a claim on the record's gate. Overlapping mutations on
// the same id stack claims; the gate stays closed until every claim is
// released.
func (co *Coordinator) markInFlight(id string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	entry, ok := co.inflight[id]
	if !ok {
		entry = &inflightEntry{}
		co.inflight[id] = entry
	}
	entry.claims++
}

// resolveInFlight releases one claim. The queue drains (or is discarded)
// only when the releasing mutation is the last one in flight for the id; a
// discard requested by any overlapping mutation is sticky.
func (co *Coordinator) resolveInFlight(id string, discardQueued bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	entry, ok := co.inflight[id]
	if !ok {
		return
	}
	if discardQueued {
		entry.discard = true
	}
	entry.claims--
	if entry.claims > 0 {
		return
	}
	delete(co.inflight, id)
	if entry.discard {
		return
	}
	for _, event := range entry.queued {
		co.applyEventLocked(event)
	}
}

// applyEventLocked merges one event into the cache. Duplicate deliveries and
// stale events are absorbed: same-id upserts replace in place, and an event
// older than the cached record is dropped. Caller holds co.mu.
func (co *Coordinator) applyEventLocked(event store.Event) {
	switch event.Kind {
	case store.EventDelete:
		co.cache.Remove(event.Record.ID)
	case store.EventInsert, store.EventUpdate:
		if existing, ok := co.cache.Get(event.Record.ID); ok {
			if existing.UpdatedAt.After(event.Record.UpdatedAt) {
				return
			}
		}
		co.cache.Upsert(event.Record)
	}
}

func (co *Coordinator) fail(operation string, err error) error {
	mutationErr := &MutationError{
		Operation: operation,
		Entity:    entityName(co.collection),
		Kind:      store.KindOf(err),
		Err:       err,
	}
	co.logger.Warn("mutation failed",
		zap.String("collection", co.collection.String()),
		zap.String("operation", operation),
		zap.String("kind", string(mutationErr.Kind)),
		zap.Error(err))
	return mutationErr
}
