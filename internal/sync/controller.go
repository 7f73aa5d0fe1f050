package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/store"
)

// Change is the outcome of a successful mutation. Before is nil for creates.
type Change struct {
	Op     store.Operation
	Before *store.Record
	After  *store.Record
}

// CreateRequest describes a new record.
type CreateRequest struct {
	Collection string
	Data       json.RawMessage
	DeviceID   string
}

// UpdateRequest describes a patch to an existing record.
type UpdateRequest struct {
	RecordID string
	DeviceID string

	// ExpectedVersion enables strict optimistic locking: the update is
	// rejected with *store.VersionConflictError unless it matches.
	// nil selects best-effort mode.
	ExpectedVersion *int64

	// LastSeenVersion is the version the device last observed. In
	// best-effort mode it lets the store flag the write as a conflict
	// instead of rejecting it. Defaults to ExpectedVersion.
	LastSeenVersion *int64

	// Patch is a JSON object merged into the record's data at the top
	// level. A null value removes the key.
	Patch json.RawMessage
}

// DeleteRequest soft-deletes a record.
type DeleteRequest struct {
	RecordID        string
	DeviceID        string
	ExpectedVersion *int64
}

// Controller applies mutations under optimistic concurrency control.
//
// Every check-then-write runs inside a single store transaction and the
// write itself is a conditional update on the version column, so a
// concurrent writer between the read and the write can never be silently
// overwritten.
type Controller struct {
	store  *store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewController creates a controller over an initialized store.
func NewController(st *store.Store, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  st,
		now:    time.Now,
		logger: logger.With().Str("component", "occ").Logger(),
	}
}

// SetClock overrides the time source. Used by tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Create inserts a new record at version 1.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*Change, error) {
	if req.DeviceID == "" {
		return nil, &store.ValidationError{Field: "deviceId", Reason: "is required"}
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	now := c.now().UTC()
	rec := &store.Record{
		ID:         uuid.NewString(),
		Collection: req.Collection,
		Data:       data,
		Version:    1,
		DeviceID:   req.DeviceID,
		SyncStatus: store.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var created *store.Record
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.InsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		var err error
		created, err = store.GetRecord(ctx, tx, rec.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	c.logger.Debug().Str("record", created.ID).Str("device", req.DeviceID).Msg("record created")
	return &Change{Op: store.OpCreate, After: created}, nil
}

// ApplyUpdate patches a record.
//
// Returns store.ErrNotFound if the record is absent or soft-deleted, and
// *store.VersionConflictError carrying the current record if the caller's
// ExpectedVersion is stale. On success the version is incremented by one,
// updatedAt refreshed, deviceId set to the writer and syncStatus reset to
// pending (or conflict, if the store's trigger flagged the write).
func (c *Controller) ApplyUpdate(ctx context.Context, req UpdateRequest) (*Change, error) {
	if req.RecordID == "" {
		return nil, &store.ValidationError{Field: "id", Reason: "is required"}
	}
	if req.DeviceID == "" {
		return nil, &store.ValidationError{Field: "deviceId", Reason: "is required"}
	}
	patch, err := parsePatch(req.Patch)
	if err != nil {
		return nil, err
	}

	lastSeen := req.LastSeenVersion
	if lastSeen == nil {
		lastSeen = req.ExpectedVersion
	}

	var change *Change
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := c.loadLive(ctx, tx, req.RecordID, req.ExpectedVersion)
		if err != nil {
			return err
		}

		merged, err := mergeData(cur.Data, patch)
		if err != nil {
			return err
		}

		next := *cur
		next.Data = merged
		next.Version = cur.Version + 1
		next.UpdatedAt = c.now().UTC()
		next.DeviceID = req.DeviceID
		next.SyncStatus = store.SyncPending

		after, err := c.swap(ctx, tx, &next, cur.Version, lastSeen)
		if err != nil {
			return err
		}
		change = &Change{Op: store.OpUpdate, Before: cur, After: after}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update record %s: %w", req.RecordID, err)
	}

	c.logger.Debug().
		Str("record", req.RecordID).
		Str("device", req.DeviceID).
		Int64("version", change.After.Version).
		Str("sync_status", string(change.After.SyncStatus)).
		Msg("record updated")
	return change, nil
}

// Delete soft-deletes a record. Deleting counts as a mutation: the version
// is incremented and the record stays in the store flagged as deleted.
func (c *Controller) Delete(ctx context.Context, req DeleteRequest) (*Change, error) {
	if req.RecordID == "" {
		return nil, &store.ValidationError{Field: "id", Reason: "is required"}
	}
	if req.DeviceID == "" {
		return nil, &store.ValidationError{Field: "deviceId", Reason: "is required"}
	}

	var change *Change
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := c.loadLive(ctx, tx, req.RecordID, req.ExpectedVersion)
		if err != nil {
			return err
		}

		next := *cur
		next.Version = cur.Version + 1
		next.UpdatedAt = c.now().UTC()
		next.DeviceID = req.DeviceID
		next.SyncStatus = store.SyncPending
		next.Deleted = true

		after, err := c.swap(ctx, tx, &next, cur.Version, nil)
		if err != nil {
			return err
		}
		change = &Change{Op: store.OpDelete, Before: cur, After: after}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete record %s: %w", req.RecordID, err)
	}

	c.logger.Debug().Str("record", req.RecordID).Str("device", req.DeviceID).Msg("record deleted")
	return change, nil
}

// Get returns a live record.
func (c *Controller) Get(ctx context.Context, id string) (*store.Record, error) {
	rec, err := store.GetRecord(ctx, c.store.RawDB(), id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// loadLive reads the current record inside tx and applies the existence and
// version checks shared by update and delete.
func (c *Controller) loadLive(ctx context.Context, tx *sql.Tx, id string, expected *int64) (*store.Record, error) {
	cur, err := store.GetRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if cur.Deleted {
		return nil, store.ErrNotFound
	}
	if expected != nil && *expected != cur.Version {
		return nil, &store.VersionConflictError{Expected: *expected, Current: cur}
	}
	return cur, nil
}

// swap performs the conditional write and re-reads the row so trigger side
// effects (syncStatus = conflict) are visible to the caller.
func (c *Controller) swap(ctx context.Context, tx *sql.Tx, next *store.Record, expected int64, lastSeen *int64) (*store.Record, error) {
	ok, err := store.UpdateRecordIfVersion(ctx, tx, next, expected, lastSeen)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := store.GetRecord(ctx, tx, next.ID)
		if err != nil {
			return nil, err
		}
		return nil, &store.VersionConflictError{Expected: expected, Current: cur}
	}
	return store.GetRecord(ctx, tx, next.ID)
}

func parsePatch(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, &store.ValidationError{Field: "data", Reason: "is required"}
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(raw, &patch); err != nil || patch == nil {
		return nil, &store.ValidationError{Field: "data", Reason: "must be a JSON object"}
	}
	return patch, nil
}

// mergeData applies a top-level merge patch. Keys set to null are removed.
func mergeData(current json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("stored data is not an object: %w", err)
		}
		if base == nil {
			base = map[string]json.RawMessage{}
		}
	}

	for k, v := range patch {
		if string(v) == "null" {
			delete(base, k)
			continue
		}
		base[k] = v
	}

	out, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged data: %w", err)
	}
	return out, nil
}

// IsVersionConflict unwraps a version conflict from err.
func IsVersionConflict(err error) (*store.VersionConflictError, bool) {
	var vc *store.VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}
