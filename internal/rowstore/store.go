// Package rowstore persists owner-scoped collection records behind the
// store.Adapter contract and publishes row change events for live sync.
package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRealtime   = errors.New("realtime publisher is required")
	errRecordNotFound    = errors.New("record not found")
	errOwnershipMismatch = errors.New("record belongs to another owner")
	noOpLogger           = zap.NewNop()
)

const (
	opCreate = "rowstore.create"
	opUpdate = "rowstore.update"
	opDelete = "rowstore.delete"
	opList   = "rowstore.list"
)

// Realtime is the change-event fan-out the store publishes to and hands out
// subscriptions from.
type Realtime interface {
	Publish(event store.Event)
	Subscribe(ctx context.Context, ownerID string) (<-chan store.Event, func())
}

// StoreConfig wires the row store's collaborators.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider crm.IDProvider
	Realtime   Realtime
	Logger     *zap.Logger
}

// Store is the gorm-backed realization of the hosted backend's record table.
// It doubles as an in-process store.Adapter for embedded deployments and
// tests.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider crm.IDProvider
	realtime   Realtime
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Realtime == nil {
		return nil, errMissingRealtime
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		realtime:   cfg.Realtime,
		logger:     logger,
	}, nil
}

// Create validates the payload, assigns a server identifier and persists the
// record. Totals of money documents are normalized before validation so the
// stored payload is always authoritative.
func (s *Store) Create(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, payload json.RawMessage) (crm.Record, error) {
	normalized, err := s.validatePayload(opCreate, collection, payload)
	if err != nil {
		return crm.Record{}, err
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return crm.Record{}, store.NewError(store.KindServer, opCreate, err)
	}

	now := s.clock().UTC()
	row := Row{
		OwnerID:     ownerID.String(),
		Collection:  collection.String(),
		RecordID:    recordID,
		PayloadJSON: string(normalized),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("collection", collection.String()))
		return crm.Record{}, store.NewError(store.KindServer, opCreate, err)
	}

	record := rowToRecord(row)
	s.realtime.Publish(store.Event{
		Collection: collection,
		Kind:       store.EventInsert,
		OwnerID:    ownerID.String(),
		Record:     record,
	})
	return record, nil
}

// Update replaces the payload of an existing record owned by the caller.
func (s *Store) Update(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string, payload json.RawMessage) (crm.Record, error) {
	normalized, err := s.validatePayload(opUpdate, collection, payload)
	if err != nil {
		return crm.Record{}, err
	}

	row, err := s.fetchOwnedRow(ctx, opUpdate, collection, ownerID, id)
	if err != nil {
		return crm.Record{}, err
	}

	row.PayloadJSON = string(normalized)
	row.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opUpdate, "save_failed", err, zap.String("record_id", id))
		return crm.Record{}, store.NewError(store.KindServer, opUpdate, err)
	}

	record := rowToRecord(row)
	s.realtime.Publish(store.Event{
		Collection: collection,
		Kind:       store.EventUpdate,
		OwnerID:    ownerID.String(),
		Record:     record,
	})
	return record, nil
}

// Delete removes a record owned by the caller.
func (s *Store) Delete(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID, id string) error {
	row, err := s.fetchOwnedRow(ctx, opDelete, collection, ownerID, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND collection = ? AND record_id = ?", ownerID.String(), collection.String(), id).
		Delete(&Row{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("record_id", id))
		return store.NewError(store.KindServer, opDelete, err)
	}

	s.realtime.Publish(store.Event{
		Collection: collection,
		Kind:       store.EventDelete,
		OwnerID:    ownerID.String(),
		Record:     rowToRecord(row),
	})
	return nil
}

// List returns the owner's records for one collection, newest first.
func (s *Store) List(ctx context.Context, collection crm.Collection, ownerID crm.OwnerID) ([]crm.Record, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND collection = ?", ownerID.String(), collection.String()).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection.String()))
		return nil, store.NewError(store.KindServer, opList, err)
	}
	records := make([]crm.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToRecord(row))
	}
	return records, nil
}

// Subscribe attaches a handler to the owner's live change feed.
func (s *Store) Subscribe(ctx context.Context, ownerID crm.OwnerID, handler store.EventHandler) (func(), error) {
	stream, cleanup := s.realtime.Subscribe(ctx, ownerID.String())
	go func() {
		for event := range stream {
			handler(event)
		}
	}()
	return cleanup, nil
}

func (s *Store) validatePayload(op string, collection crm.Collection, payload json.RawMessage) (json.RawMessage, error) {
	normalized, err := crm.NormalizeTotals(collection, payload)
	if err != nil {
		return nil, store.NewError(store.KindValidation, op, err)
	}
	if err := crm.DecodePayload(collection, normalized); err != nil {
		return nil, store.NewError(store.KindValidation, op, err)
	}
	return normalized, nil
}

func (s *Store) fetchOwnedRow(ctx context.Context, op string, collection crm.Collection, ownerID crm.OwnerID, id string) (Row, error) {
	var row Row
	err := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection.String(), id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, store.NewError(store.KindNotFound, op, fmt.Errorf("%w: %s/%s", errRecordNotFound, collection, id))
	}
	if err != nil {
		s.logError(op, "select_failed", err, zap.String("record_id", id))
		return Row{}, store.NewError(store.KindServer, op, err)
	}
	if row.OwnerID != ownerID.String() {
		return Row{}, store.NewError(store.KindPermission, op, errOwnershipMismatch)
	}
	return row, nil
}

func rowToRecord(row Row) crm.Record {
	return crm.Record{
		ID:         row.RecordID,
		OwnerID:    row.OwnerID,
		Collection: row.Collection,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
		Payload:    json.RawMessage(row.PayloadJSON),
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("row store error", attrs...)
}
