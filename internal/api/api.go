// Package api is the REST mutation surface.
//
// Writers identify themselves with the X-Device-ID header. Every route
// except /health is admitted by the rate limiter under the api category.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/ratelimit"
	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
)

// DeviceHeader carries the writer identity.
const DeviceHeader = "X-Device-ID"

const maxBodyBytes = 1 << 20

// Health is the /health payload.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Devices     int    `json:"devices"`
}

// Backend executes mutations and queries.
type Backend interface {
	CreateRecord(ctx context.Context, req dsync.CreateRequest) (*store.Record, error)
	GetRecord(ctx context.Context, id string) (*store.Record, error)
	UpdateRecord(ctx context.Context, req dsync.UpdateRequest) (*store.Record, error)
	DeleteRecord(ctx context.Context, req dsync.DeleteRequest) (*store.Record, error)
	ListConflicts(ctx context.Context, limit int) ([]*store.Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy dsync.Strategy, deviceID string) (*dsync.Resolution, error)
	SyncLog(ctx context.Context, since time.Time, limit int) ([]*store.SyncLogEntry, error)
	Health(ctx context.Context) Health
}

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(key string) ratelimit.Decision
}

type handler struct {
	backend Backend
	logger  zerolog.Logger
}

// NewHandler returns the REST routes wrapped in panic recovery and rate
// limiting.
func NewHandler(backend Backend, limiter Admitter, logger zerolog.Logger) http.Handler {
	h := &handler{
		backend: backend,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /records", h.createRecord)
	mux.HandleFunc("GET /records/{id}", h.getRecord)
	mux.HandleFunc("PATCH /records/{id}", h.updateRecord)
	mux.HandleFunc("DELETE /records/{id}", h.deleteRecord)
	mux.HandleFunc("GET /conflicts", h.listConflicts)
	mux.HandleFunc("POST /conflicts/{id}/resolve", h.resolveConflict)
	mux.HandleFunc("GET /sync-log", h.syncLog)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", h.health)
	root.Handle("/", rateLimit(limiter, time.Now, h.logger, mux))

	return recoverer(h.logger, root)
}

type createBody struct {
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
}

func (h *handler) createRecord(w http.ResponseWriter, r *http.Request) {
	device, ok := requireDevice(w, r)
	if !ok {
		return
	}
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := h.backend.CreateRecord(r.Context(), dsync.CreateRequest{
		Collection: body.Collection,
		Data:       body.Data,
		DeviceID:   device,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateBody struct {
	ExpectedVersion *int64          `json:"expectedVersion"`
	LastSeenVersion *int64          `json:"lastSeenVersion"`
	Data            json.RawMessage `json:"data"`
}

func (h *handler) updateRecord(w http.ResponseWriter, r *http.Request) {
	device, ok := requireDevice(w, r)
	if !ok {
		return
	}
	var body updateBody
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := h.backend.UpdateRecord(r.Context(), dsync.UpdateRequest{
		RecordID:        r.PathValue("id"),
		DeviceID:        device,
		ExpectedVersion: body.ExpectedVersion,
		LastSeenVersion: body.LastSeenVersion,
		Patch:           body.Data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	device, ok := requireDevice(w, r)
	if !ok {
		return
	}

	var expected *int64
	if raw := r.URL.Query().Get("expectedVersion"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, &store.ValidationError{Field: "expectedVersion", Reason: "must be an integer"})
			return
		}
		expected = &v
	}

	rec, err := h.backend.DeleteRecord(r.Context(), dsync.DeleteRequest{
		RecordID:        r.PathValue("id"),
		DeviceID:        device,
		ExpectedVersion: expected,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}
	conflicts, err := h.backend.ListConflicts(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveBody struct {
	Strategy string `json:"strategy"`
}

type resolveResponse struct {
	Conflict        *store.Conflict `json:"conflict"`
	Record          *store.Record   `json:"record"`
	AlreadyResolved bool            `json:"alreadyResolved"`
}

func (h *handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}

	res, err := h.backend.ResolveConflict(r.Context(), r.PathValue("id"), dsync.Strategy(body.Strategy), r.Header.Get(DeviceHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Conflict:        res.Conflict,
		Record:          res.Record,
		AlreadyResolved: res.AlreadyResolved,
	})
}

func (h *handler) syncLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, &store.ValidationError{Field: "since", Reason: "must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	entries, err := h.backend.SyncLog(r.Context(), since, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*store.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Health(r.Context()))
}

func (h *handler) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeError(w, r, &store.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	device := r.Header.Get(DeviceHeader)
	if device == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation_error",
			Field:   DeviceHeader,
			Message: DeviceHeader + " header is required",
		})
		return "", false
	}
	return device, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_body", Message: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error     string        `json:"error"`
	Message   string        `json:"message,omitempty"`
	Field     string        `json:"field,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Current   *store.Record `json:"current,omitempty"`
}

// writeError maps the error taxonomy onto a status and body.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vc *store.VersionConflictError
		ve *store.ValidationError
		se *store.Error
	)

	switch {
	case errors.As(err, &vc):
		writeJSON(w, http.StatusConflict, errorBody{Error: "version_conflict", Message: vc.Error(), Current: vc.Current})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Field: ve.Field, Message: ve.Reason})
	case errors.Is(err, dsync.ErrUnsupportedStrategy):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unsupported_strategy", Message: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.As(err, &se):
		status := se.Kind.HTTPStatus()
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("store error")
		}
		writeJSON(w, status, errorBody{Error: string(se.Kind), Message: se.Error(), Retryable: se.Kind.Retryable()})
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
