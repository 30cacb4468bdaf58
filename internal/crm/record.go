package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("crm: invalid record id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("crm: invalid owner id")
	// ErrUnknownCollection indicates that a collection name has no registered schema.
	ErrUnknownCollection = errors.New("crm: unknown collection")
)

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Collection names a synchronized record collection.
type Collection string

// Collections shipped with the CRM.
const (
	CollectionCustomers  Collection = "customers"
	CollectionLeads      Collection = "leads"
	CollectionJobs       Collection = "jobs"
	CollectionEstimates  Collection = "estimates"
	CollectionInvoices   Collection = "invoices"
	CollectionTasks      Collection = "tasks"
	CollectionActivities Collection = "activities"
	CollectionReminders  Collection = "reminders"
	CollectionReviews    Collection = "reviews"
)

// String returns the underlying collection name.
func (c Collection) String() string {
	return string(c)
}

// ParseCollection validates a raw collection name against the registered schemas.
func ParseCollection(rawInput string) (Collection, error) {
	trimmed := Collection(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := schemaRegistry[trimmed]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, rawInput)
	}
	return trimmed, nil
}

// Record is the synchronized envelope around one entity payload. The payload is
// kept as canonical JSON; DecodePayload validates it against the collection
// schema before the record is admitted anywhere.
type Record struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Collection string          `json:"collection"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Clone returns a deep copy of the record. Payload bytes are copied so cache
// snapshots cannot be mutated through a shared backing array.
func (r Record) Clone() Record {
	copied := r
	if r.Payload != nil {
		copied.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return copied
}

// Equal reports whether two records are identical, payload bytes included.
func (r Record) Equal(other Record) bool {
	if r.ID != other.ID || r.OwnerID != other.OwnerID || r.Collection != other.Collection {
		return false
	}
	if !r.CreatedAt.Equal(other.CreatedAt) || !r.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	return string(r.Payload) == string(other.Payload)
}

// TempIDPrefix marks locally generated identifiers awaiting server assignment.
const TempIDPrefix = "tmp-"

// IsTempID reports whether the identifier is a local placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
