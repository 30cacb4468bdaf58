// Package store defines the remote store boundary of the sync engine: an
// owner-scoped CRUD contract over named collections, a change-event feed,
// and a closed error taxonomy that callers branch on instead of parsing
// message text.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/copperlinehq/copperline/internal/crm"
)

// ErrorKind classifies adapter failures. The mutation coordinator decides
// rollback and reconciliation behavior from the kind alone.
type ErrorKind string

const (
	// KindValidation marks payloads rejected before reaching the network.
	KindValidation ErrorKind = "validation"
	// KindNetwork marks transient transport failures, including timeouts.
	KindNetwork ErrorKind = "network"
	// KindPermission marks ownership or authorization rejections.
	KindPermission ErrorKind = "permission"
	// KindNotFound marks operations on records that no longer exist.
	KindNotFound ErrorKind = "not_found"
	// KindServer marks remote-side failures (5xx and equivalents).
	KindServer ErrorKind = "server"
)

// Error is the tagged failure returned by every adapter operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a tagged store error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to KindServer for failures that
// escaped classification.
func KindOf(err error) ErrorKind {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}
	return KindServer
}

// EventKind enumerates row change notifications.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	// EventResync is a synthetic event an adapter emits after its live
	// channel was re-established. The transport does not replay missed
	// events, so the listener responds with a full list reconciliation.
	EventResync EventKind = "resync"
)

// Event is one row-level change delivered on the live channel.
type Event struct {
	Collection crm.Collection `json:"collection"`
	Kind       EventKind      `json:"kind"`
	OwnerID    string         `json:"owner_id"`
	Record     crm.Record     `json:"record"`
}

// EventHandler consumes change events. Handlers must not block; the engine
// applies events on its own goroutine.
type EventHandler func(Event)

// Adapter is the minimal contract the sync engine holds against the hosted
// backend. Every operation is scoped by owner; implementations must reject or
// filter records the caller does not own.
type Adapter interface {
	Create(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, payload json.RawMessage) (crm.Record, error)
	Update(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string, payload json.RawMessage) (crm.Record, error)
	Delete(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string) error
	List(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID) ([]crm.Record, error)
	// Subscribe opens one live channel for all of the owner's collections and
	// returns an unsubscribe function. Implementations reconnect on channel
	// loss; the listener performs a full list reconciliation afterwards
	// because dropped events are not replayed.
	Subscribe(ctx context.Context, ownerID crm.OwnerID, handler EventHandler) (func(), error)
}
