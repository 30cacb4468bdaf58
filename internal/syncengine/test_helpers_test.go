package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/store"
)

// fakeAdapter scripts adapter behavior per test. Unset operations fail the
// test if called.
type fakeAdapter struct {
	t          *testing.T
	createFunc func(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, payload json.RawMessage) (crm.Record, error)
	updateFunc func(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string, payload json.RawMessage) (crm.Record, error)
	deleteFunc func(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string) error
	listFunc   func(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID) ([]crm.Record, error)
	subscribed func(handler store.EventHandler)
}

func (f *fakeAdapter) Create(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, payload json.RawMessage) (crm.Record, error) {
	if f.createFunc == nil {
		f.t.Fatalf("unexpected Create call")
	}
	return f.createFunc(ctx, collection, ownerID, payload)
}

func (f *fakeAdapter) Update(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string, payload json.RawMessage) (crm.Record, error) {
	if f.updateFunc == nil {
		f.t.Fatalf("unexpected Update call")
	}
	return f.updateFunc(ctx, collection, ownerID, id, payload)
}

func (f *fakeAdapter) Delete(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string) error {
	if f.deleteFunc == nil {
		f.t.Fatalf("unexpected Delete call")
	}
	return f.deleteFunc(ctx, collection, ownerID, id)
}

func (f *fakeAdapter) List(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID) ([]crm.Record, error) {
	if f.listFunc == nil {
		return nil, nil
	}
	return f.listFunc(ctx, collection, ownerID)
}

func (f *fakeAdapter) Subscribe(_ context.Context, _ crm.OwnerID, handler store.EventHandler) (func(), error) {
	if f.subscribed != nil {
		f.subscribed(handler)
	}
	return func() {}, nil
}

func mustOwnerID(t *testing.T, raw string) crm.OwnerID {
	t.Helper()
	ownerID, err := crm.NewOwnerID(raw)
	if err != nil {
		t.Fatalf("invalid owner id %q: %v", raw, err)
	}
	return ownerID
}

func customerPayload(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"status":"active"}`, name))
}

func customerRecord(id, owner, name string, createdAt time.Time) crm.Record {
	return crm.Record{
		ID:         id,
		OwnerID:    owner,
		Collection: crm.CollectionCustomers.String(),
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
		Payload:    customerPayload(name),
	}
}

func newTestCoordinator(t *testing.T, collection crm.Collection, adapter store.Adapter) (*Coordinator, *Cache) {
	t.Helper()
	cache := NewCache(collection)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Collection: collection,
		OwnerID:    mustOwnerID(t, "owner-1"),
		Adapter:    adapter,
		Cache:      cache,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator, cache
}
