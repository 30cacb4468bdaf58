package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/copperlinehq/copperline/internal/crm"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultBackoffMin     = time.Second
	defaultBackoffMax     = 30 * time.Second
	ssePrefixData         = "data:"
)

var (
	errMissingBaseURL = errors.New("store: base url is required")
	errMissingToken   = errors.New("store: token source is required")
	httpNopLogger     = zap.NewNop()
)

// HTTPAdapterConfig wires the REST adapter against a hosted backend.
type HTTPAdapterConfig struct {
	BaseURL string
	// Token returns the bearer token presented on every request.
	Token func(ctx context.Context) (string, error)
	// RequestTimeout bounds each mutation so a network hang surfaces as a
	// failure the coordinator can roll back, instead of leaving optimistic
	// state visible forever.
	RequestTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// HTTPAdapter implements Adapter over the backend's REST and SSE surface.
type HTTPAdapter struct {
	baseURL        string
	token          func(ctx context.Context) (string, error)
	requestTimeout time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration
	client         *http.Client
	logger         *zap.Logger
}

// NewHTTPAdapter validates the configuration and returns an HTTPAdapter.
func NewHTTPAdapter(cfg HTTPAdapterConfig) (*HTTPAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Token == nil {
		return nil, errMissingToken
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	backoffMin := cfg.BackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultBackoffMin
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = httpNopLogger
	}
	return &HTTPAdapter{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.Token,
		requestTimeout: timeout,
		backoffMin:     backoffMin,
		backoffMax:     backoffMax,
		client:         client,
		logger:         logger,
	}, nil
}

// Create posts a new record payload to the collection.
func (a *HTTPAdapter) Create(ctx context.Context, collection crm.Collection, _ crm.OwnerID, payload json.RawMessage) (crm.Record, error) {
	const op = "http.create"
	body, err := json.Marshal(map[string]json.RawMessage{"payload": payload})
	if err != nil {
		return crm.Record{}, NewError(KindValidation, op, err)
	}
	var record crm.Record
	err = a.do(ctx, op, http.MethodPost, "/collections/"+collection.String(), body, http.StatusCreated, &record)
	if err != nil {
		return crm.Record{}, err
	}
	return record, nil
}

// Update patches an existing record with a full replacement payload.
func (a *HTTPAdapter) Update(ctx context.Context, collection crm.Collection, _ crm.OwnerID, id string, payload json.RawMessage) (crm.Record, error) {
	const op = "http.update"
	body, err := json.Marshal(map[string]json.RawMessage{"payload": payload})
	if err != nil {
		return crm.Record{}, NewError(KindValidation, op, err)
	}
	var record crm.Record
	err = a.do(ctx, op, http.MethodPatch, "/collections/"+collection.String()+"/"+id, body, http.StatusOK, &record)
	if err != nil {
		return crm.Record{}, err
	}
	return record, nil
}

// Delete removes a record.
func (a *HTTPAdapter) Delete(ctx context.Context, collection crm.Collection, _ crm.OwnerID, id string) error {
	const op = "http.delete"
	return a.do(ctx, op, http.MethodDelete, "/collections/"+collection.String()+"/"+id, nil, http.StatusNoContent, nil)
}

// List fetches the owner's records for one collection.
func (a *HTTPAdapter) List(ctx context.Context, collection crm.Collection, _ crm.OwnerID) ([]crm.Record, error) {
	const op = "http.list"
	var response struct {
		Records []crm.Record `json:"records"`
	}
	if err := a.do(ctx, op, http.MethodGet, "/collections/"+collection.String(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Records, nil
}

// Subscribe opens the backend's SSE stream and pumps change events to the
// handler. On stream loss it reconnects with backoff and emits a synthetic
// resync event, because missed events are not replayed.
func (a *HTTPAdapter) Subscribe(ctx context.Context, ownerID crm.OwnerID, handler EventHandler) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	go a.streamLoop(streamCtx, ownerID, handler)
	return cancel, nil
}

func (a *HTTPAdapter) streamLoop(ctx context.Context, ownerID crm.OwnerID, handler EventHandler) {
	backoff := a.backoffMin
	connectedBefore := false
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.streamOnce(ctx, ownerID, handler, connectedBefore)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("event stream lost", zap.Error(err), zap.Duration("retry_in", backoff))
		}
		connectedBefore = true
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.backoffMax {
			backoff = a.backoffMax
		}
	}
}

func (a *HTTPAdapter) streamOnce(ctx context.Context, ownerID crm.OwnerID, handler EventHandler, emitResync bool) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/events/stream?access_token="+token, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", response.StatusCode)
	}

	if emitResync {
		handler(Event{Kind: EventResync, OwnerID: ownerID.String()})
	}

	reader := bufio.NewReader(response.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, ssePrefixData) {
			continue
		}
		// The field separator may carry an optional space per the SSE format.
		data := strings.TrimPrefix(strings.TrimPrefix(line, ssePrefixData), " ")
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			a.logger.Warn("undecodable stream event dropped", zap.Error(err))
			continue
		}
		if event.Kind == "" || event.OwnerID != ownerID.String() {
			continue
		}
		handler(event)
	}
}

func (a *HTTPAdapter) do(ctx context.Context, op, method, path string, body []byte, wantStatus int, target any) error {
	requestCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	token, err := a.token(requestCtx)
	if err != nil {
		return NewError(KindPermission, op, err)
	}

	var bodyReader io.Reader = http.NoBody
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(requestCtx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return NewError(KindNetwork, op, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := a.client.Do(request)
	if err != nil {
		return NewError(KindNetwork, op, err)
	}
	defer response.Body.Close()

	if response.StatusCode != wantStatus {
		return a.classifyStatus(op, response)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return NewError(KindServer, op, err)
	}
	return nil
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind"`
}

func (a *HTTPAdapter) classifyStatus(op string, response *http.Response) error {
	var parsed errorResponse
	_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&parsed)
	cause := errors.New(parsed.Error)
	if parsed.Error == "" {
		cause = fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	if parsed.Kind != "" {
		return NewError(parsed.Kind, op, cause)
	}
	switch {
	case response.StatusCode == http.StatusBadRequest:
		return NewError(KindValidation, op, cause)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return NewError(KindPermission, op, cause)
	case response.StatusCode == http.StatusNotFound:
		return NewError(KindNotFound, op, cause)
	case response.StatusCode >= 500:
		return NewError(KindServer, op, cause)
	default:
		return NewError(KindServer, op, cause)
	}
}
