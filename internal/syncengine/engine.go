package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingOwner     = errors.New("syncengine: owner id is required")
	errEngineStarted    = errors.New("syncengine: engine already started")
	errEngineNotStarted = errors.New("syncengine: engine not started")
)

// EngineConfig wires a per-owner sync engine. An engine is constructed on
// login and torn down on logout; nothing here is process-global.
type EngineConfig struct {
	OwnerID     crm.OwnerID
	Adapter     store.Adapter
	Collections []crm.Collection
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine owns one cache and coordinator per collection, hydrates them from
// the adapter, and routes live change events into them. A resync event from
// the adapter triggers a full list reconciliation for every collection.
type Engine struct {
	ownerID      crm.OwnerID
	adapter      store.Adapter
	collections  []crm.Collection
	coordinators map[crm.Collection]*Coordinator
	logger       *zap.Logger

	mu          sync.Mutex
	unsubscribe func()
	runCtx      context.Context
}

// NewEngine validates the configuration and builds the per-collection caches
// and coordinators.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.OwnerID.String() == "" {
		return nil, errMissingOwner
	}
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = crm.Collections()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = coordinatorNopLogger
	}

	coordinators := make(map[crm.Collection]*Coordinator, len(collections))
	for _, collection := range collections {
		coordinator, err := NewCoordinator(CoordinatorConfig{
			Collection: collection,
			OwnerID:    cfg.OwnerID,
			Adapter:    cfg.Adapter,
			Cache:      NewCache(collection),
			Clock:      cfg.Clock,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		coordinators[collection] = coordinator
	}

	return &Engine{
		ownerID:      cfg.OwnerID,
		adapter:      cfg.Adapter,
		collections:  collections,
		coordinators: coordinators,
		logger:       logger,
	}, nil
}

// Coordinator returns the mutation coordinator for a collection.
func (e *Engine) Coordinator(collection crm.Collection) (*Coordinator, bool) {
	coordinator, ok := e.coordinators[collection]
	return coordinator, ok
}

// Cache returns the cache for a collection.
func (e *Engine) Cache(collection crm.Collection) (*Cache, bool) {
	coordinator, ok := e.coordinators[collection]
	if !ok {
		return nil, false
	}
	return coordinator.Cache(), true
}

// Start hydrates every collection from the adapter and opens the live
// change-event channel.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.unsubscribe != nil {
		e.mu.Unlock()
		return errEngineStarted
	}
	e.runCtx = ctx
	e.mu.Unlock()

	if err := e.resync(ctx); err != nil {
		return err
	}

	unsubscribe, err := e.adapter.Subscribe(ctx, e.ownerID, e.handleEvent)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	e.logger.Info("sync engine started", zap.String("owner_id", e.ownerID.String()))
	return nil
}

// Stop detaches from the live channel. Caches keep their contents so a UI
// can render until teardown completes.
func (e *Engine) Stop() error {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe == nil {
		return errEngineNotStarted
	}
	unsubscribe()
	e.logger.Info("sync engine stopped", zap.String("owner_id", e.ownerID.String()))
	return nil
}

func (e *Engine) handleEvent(event store.Event) {
	if event.Kind == store.EventResync {
		e.mu.Lock()
		ctx := e.runCtx
		e.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := e.resync(ctx); err != nil {
			e.logger.Warn("post-reconnect resync failed", zap.Error(err))
		}
		return
	}

	collection, err := crm.ParseCollection(event.Collection.String())
	if err != nil {
		e.logger.Warn("event for unknown collection dropped", zap.String("collection", event.Collection.String()))
		return
	}
	coordinator, ok := e.coordinators[collection]
	if !ok {
		return
	}
	coordinator.HandleEvent(event)
}

// resync pulls a full listing per collection and reconciles each cache,
// keeping in-flight optimistic records.
func (e *Engine) resync(ctx context.Context) error {
	for _, collection := range e.collections {
		records, err := e.adapter.List(ctx, collection, e.ownerID)
		if err != nil {
			return err
		}
		e.coordinators[collection].Reconcile(records)
	}
	return nil
}
