package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/devsync/internal/ratelimit"
	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
)

// stubBackend returns canned results and remembers the last request.
type stubBackend struct {
	record    *store.Record
	err       error
	lastUp    dsync.UpdateRequest
	lastDel   dsync.DeleteRequest
	lastSince time.Time
	panicMsg  string
}

func (s *stubBackend) CreateRecord(_ context.Context, req dsync.CreateRequest) (*store.Record, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &store.Record{ID: "r1", Collection: req.Collection, Data: req.Data, Version: 1, DeviceID: req.DeviceID}, nil
}

func (s *stubBackend) GetRecord(context.Context, string) (*store.Record, error) {
	return s.record, s.err
}

func (s *stubBackend) UpdateRecord(_ context.Context, req dsync.UpdateRequest) (*store.Record, error) {
	s.lastUp = req
	return s.record, s.err
}

func (s *stubBackend) DeleteRecord(_ context.Context, req dsync.DeleteRequest) (*store.Record, error) {
	s.lastDel = req
	return s.record, s.err
}

func (s *stubBackend) ListConflicts(context.Context, int) ([]*store.Conflict, error) {
	return nil, s.err
}

func (s *stubBackend) ResolveConflict(_ context.Context, id string, strategy dsync.Strategy, _ string) (*dsync.Resolution, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dsync.Resolution{Conflict: &store.Conflict{ID: id, Strategy: string(strategy)}, Record: s.record}, nil
}

func (s *stubBackend) SyncLog(_ context.Context, since time.Time, _ int) ([]*store.SyncLogEntry, error) {
	s.lastSince = since
	return nil, s.err
}

func (s *stubBackend) Health(context.Context) Health {
	return Health{Status: "ok", Connections: 3, Devices: 2}
}

type allowAll struct{}

func (allowAll) Admit(string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, Remaining: 59, ResetAt: time.Unix(2000, 0)}
}

func do(t *testing.T, h http.Handler, method, path, device, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if device != "" {
		r.Header.Set(DeviceHeader, device)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestCreateRecord(t *testing.T) {
	h := NewHandler(&stubBackend{}, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodPost, "/records", "dev-1", `{"collection":"notes","data":{"a":1}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "notes", body["collection"])
	assert.Equal(t, "dev-1", body["deviceId"])
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2000", w.Header().Get("X-RateLimit-Reset"))
}

func TestMutationsRequireDevice(t *testing.T) {
	h := NewHandler(&stubBackend{}, allowAll{}, zerolog.Nop())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/records"},
		{http.MethodPatch, "/records/r1"},
		{http.MethodDelete, "/records/r1"},
	} {
		w := do(t, h, tc.method, tc.path, "", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, DeviceHeader, decode(t, w)["field"])
	}
}

func TestUpdateRecord_PassesVersions(t *testing.T) {
	b := &stubBackend{record: &store.Record{ID: "r1", Version: 4}}
	h := NewHandler(b, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodPatch, "/records/r1", "dev-1", `{"expectedVersion":3,"lastSeenVersion":2,"data":{"x":1}}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "r1", b.lastUp.RecordID)
	assert.Equal(t, "dev-1", b.lastUp.DeviceID)
	require.NotNil(t, b.lastUp.ExpectedVersion)
	assert.Equal(t, int64(3), *b.lastUp.ExpectedVersion)
	assert.Equal(t, int64(2), *b.lastUp.LastSeenVersion)
	assert.JSONEq(t, `{"x":1}`, string(b.lastUp.Patch))
}

func TestDeleteRecord_ExpectedVersionQuery(t *testing.T) {
	b := &stubBackend{record: &store.Record{ID: "r1", Deleted: true}}
	h := NewHandler(b, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodDelete, "/records/r1?expectedVersion=7", "dev-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, b.lastDel.ExpectedVersion)
	assert.Equal(t, int64(7), *b.lastDel.ExpectedVersion)

	w = do(t, h, http.MethodDelete, "/records/r1?expectedVersion=x", "dev-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	current := &store.Record{ID: "r1", Version: 4}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"version conflict", fmt.Errorf("update: %w", &store.VersionConflictError{Expected: 3, Current: current}), http.StatusConflict, "version_conflict"},
		{"validation", &store.ValidationError{Field: "data", Reason: "must be a JSON object"}, http.StatusBadRequest, "validation_error"},
		{"not found", &store.Error{Kind: store.KindNotFound, Err: store.ErrNotFound}, http.StatusNotFound, "not_found"},
		{"unsupported strategy", fmt.Errorf("%w: %q", dsync.ErrUnsupportedStrategy, "manual"), http.StatusBadRequest, "unsupported_strategy"},
		{"duplicate", &store.Error{Kind: store.KindDuplicate}, http.StatusConflict, "duplicate"},
		{"unavailable", &store.Error{Kind: store.KindUnavailable}, http.StatusServiceUnavailable, "unavailable"},
		{"exhausted", &store.Error{Kind: store.KindExhausted}, http.StatusInsufficientStorage, "exhausted"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&stubBackend{err: tt.err}, allowAll{}, zerolog.Nop())
			w := do(t, h, http.MethodPatch, "/records/r1", "dev-1", `{"data":{}}`)

			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.code, body["error"])
			if tt.code == "version_conflict" {
				cur := body["current"].(map[string]any)
				assert.EqualValues(t, 4, cur["version"])
			}
			if tt.code == "unavailable" {
				assert.Equal(t, true, body["retryable"])
			}
		})
	}
}

func TestRecoverer(t *testing.T) {
	h := NewHandler(&stubBackend{panicMsg: "kaboom"}, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodPost, "/records", "dev-1", `{"collection":"notes"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decode(t, w)["error"])
}

func TestRateLimit(t *testing.T) {
	lim := ratelimit.New(ratelimit.Limits{BurstMax: 2})
	h := NewHandler(&stubBackend{record: &store.Record{ID: "r1"}}, lim, zerolog.Nop())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/records/r1", "dev-1", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/records/r1", "dev-1", "").Code)

	w := do(t, h, http.MethodGet, "/records/r1", "dev-1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "58", w.Header().Get("X-RateLimit-Remaining"))

	// Other clients and the health check are unaffected.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/records/r1", "dev-2", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "dev-1", "").Code)
}

func TestHealth(t *testing.T) {
	h := NewHandler(&stubBackend{}, allowAll{}, zerolog.Nop())
	w := do(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["connections"])
	assert.EqualValues(t, 2, body["devices"])
}

func TestSyncLogQuery(t *testing.T) {
	b := &stubBackend{}
	h := NewHandler(b, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodGet, "/sync-log?since=2026-01-02T03:04:05Z&limit=5", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), b.lastSince.UTC())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/sync-log?since=yesterday", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/sync-log?limit=-1", "", "").Code)
}

func TestResolveConflict_DefaultStrategy(t *testing.T) {
	h := NewHandler(&stubBackend{record: &store.Record{ID: "r1"}}, allowAll{}, zerolog.Nop())

	w := do(t, h, http.MethodPost, "/conflicts/c1/resolve", "dev-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "c1", body["conflict"].(map[string]any)["id"])
	assert.Equal(t, false, body["alreadyResolved"])
}
