// Package server exposes the hosted backend's HTTP surface: owner-scoped
// collection CRUD and a server-sent-events change stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/copperlinehq/copperline/internal/rowstore"
	"github.com/copperlinehq/copperline/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "copperline_owner_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRowStore      = errors.New("row store dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens and resolves the owner they scope.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// Realtime provides per-owner event subscriptions for the SSE stream.
type Realtime interface {
	Subscribe(ctx context.Context, ownerID string) (<-chan store.Event, func())
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager TokenManager
	RowStore     *rowstore.Store
	Realtime     Realtime
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.RowStore == nil {
		return nil, errMissingRowStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		rows:     deps.RowStore,
		realtime: deps.Realtime,
		logger:   logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/collections/:collection", handler.handleCreate)
	protected.GET("/collections/:collection", handler.handleList)
	protected.PATCH("/collections/:collection/:id", handler.handleUpdate)
	protected.DELETE("/collections/:collection/:id", handler.handleDelete)

	// SSE clients cannot set headers, so the stream authorizes via query
	// parameter instead of the middleware.
	router.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	rows     *rowstore.Store
	realtime Realtime
	logger   *zap.Logger
}

type recordEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	ownerID, collection, ok := h.scope(c)
	if !ok {
		return
	}
	var request recordEnvelope
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		writeKindError(c, store.KindValidation, "invalid_request")
		return
	}

	record, err := h.rows.Create(c.Request.Context(), collection, ownerID, request.Payload)
	if err != nil {
		h.writeStoreError(c, "create failed", err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleList(c *gin.Context) {
	ownerID, collection, ok := h.scope(c)
	if !ok {
		return
	}
	records, err := h.rows.List(c.Request.Context(), collection, ownerID)
	if err != nil {
		h.writeStoreError(c, "list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	ownerID, collection, ok := h.scope(c)
	if !ok {
		return
	}
	var request recordEnvelope
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		writeKindError(c, store.KindValidation, "invalid_request")
		return
	}

	record, err := h.rows.Update(c.Request.Context(), collection, ownerID, c.Param("id"), request.Payload)
	if err != nil {
		h.writeStoreError(c, "update failed", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	ownerID, collection, ok := h.scope(c)
	if !ok {
		return
	}
	if err := h.rows.Delete(c.Request.Context(), collection, ownerID, c.Param("id")); err != nil {
		h.writeStoreError(c, "delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error(), "kind": store.KindPermission})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error(), "kind": store.KindPermission})
		return
	}
	ownerID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "kind": store.KindPermission})
		return
	}
	c.Set(ownerIDContextKey, ownerID)
	c.Next()
}

// scope resolves the authorized owner and the target collection, writing the
// error response itself when either is invalid.
func (h *httpHandler) scope(c *gin.Context) (crm.OwnerID, crm.Collection, bool) {
	rawOwner := c.GetString(ownerIDContextKey)
	ownerID, err := crm.NewOwnerID(rawOwner)
	if err != nil {
		writeKindError(c, store.KindPermission, "unauthorized")
		return "", "", false
	}
	collection, err := crm.ParseCollection(c.Param("collection"))
	if err != nil {
		writeKindError(c, store.KindValidation, "unknown_collection")
		return "", "", false
	}
	return ownerID, collection, true
}

func (h *httpHandler) writeStoreError(c *gin.Context, message string, err error) {
	kind := store.KindOf(err)
	if kind == store.KindServer {
		h.logger.Error(message, zap.Error(err))
	}
	writeKindError(c, kind, err.Error())
}

func writeKindError(c *gin.Context, kind store.ErrorKind, message string) {
	c.JSON(statusForKind(kind), gin.H{"error": message, "kind": kind})
}

func statusForKind(kind store.ErrorKind) int {
	switch kind {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindPermission:
		return http.StatusForbidden
	case store.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
