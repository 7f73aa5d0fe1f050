package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncStatus tracks whether a record's current state has reached all peers.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// Record is the synchronized business entity.
//
// Version increases by exactly one on every successful mutation. Records
// are never physically deleted; Delete sets the Deleted flag.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	DeviceID   string          `json:"deviceId,omitempty"`
	SyncStatus SyncStatus      `json:"syncStatus"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Validate checks required fields before a record reaches the database.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if r.Collection == "" {
		return &ValidationError{Field: "collection", Reason: "is required"}
	}
	if len(r.Collection) > 128 {
		return &ValidationError{Field: "collection", Reason: fmt.Sprintf("must be 128 characters or less (got %d)", len(r.Collection))}
	}
	if !isJSONObject(r.Data) {
		return &ValidationError{Field: "data", Reason: "must be a JSON object"}
	}
	return nil
}

// Snapshot returns the record state captured in conflicts and audit entries.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		ID:        r.ID,
		Data:      r.Data,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		DeviceID:  r.DeviceID,
	}
}

const recordColumns = `id, collection, data, version, device_id, sync_status, deleted, created_at, updated_at`

// GetRecord fetches a record by id, including soft-deleted ones.
// Returns ErrNotFound (wrapped in *Error) if the id is unknown.
func GetRecord(ctx context.Context, q Querier, id string) (*Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, Normalize("get_record", err)
	}
	return rec, nil
}

// InsertRecord writes a new record.
func InsertRecord(ctx context.Context, q Querier, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (
			id, collection, data, version, device_id, sync_status, deleted,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Collection,
		string(r.Data),
		r.Version,
		nullString(r.DeviceID),
		string(r.SyncStatus),
		r.Deleted,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return Normalize("insert_record", fmt.Errorf("failed to insert record %s: %w", r.ID, err))
	}
	return nil
}

// UpdateRecordIfVersion overwrites the mutable fields of r only if the stored
// version still equals expected. It is the compare-and-swap primitive the
// concurrency controller relies on; false means another writer got there
// first.
//
// lastSeen is the version the writer reported observing. It feeds the
// conflict-detection trigger; nil disables detection for this write.
func UpdateRecordIfVersion(ctx context.Context, q Querier, r *Record, expected int64, lastSeen *int64) (bool, error) {
	var seen sql.NullInt64
	if lastSeen != nil {
		seen = sql.NullInt64{Int64: *lastSeen, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE records SET
			data = ?,
			version = ?,
			device_id = ?,
			sync_status = ?,
			deleted = ?,
			last_seen_version = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		string(r.Data),
		r.Version,
		nullString(r.DeviceID),
		string(r.SyncStatus),
		r.Deleted,
		seen,
		formatTime(r.UpdatedAt),
		r.ID,
		expected,
	)
	if err != nil {
		return false, Normalize("update_record", fmt.Errorf("failed to update record %s: %w", r.ID, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, Normalize("update_record", err)
	}
	return n == 1, nil
}

// ListRecordsFilter configures ListRecords.
type ListRecordsFilter struct {
	// Collection filters by collection (empty = all)
	Collection string
	// IncludeDeleted returns soft-deleted records too
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListRecords returns records ordered by updated_at.
func ListRecords(ctx context.Context, q Querier, filter ListRecordsFilter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if filter.Collection != "" {
		query += ` AND collection = ?`
		args = append(args, filter.Collection)
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Normalize("list_records", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, Normalize("list_records", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Normalize("list_records", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var data string
	var deviceID sql.NullString
	var status string
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.ID,
		&rec.Collection,
		&data,
		&rec.Version,
		&deviceID,
		&status,
		&rec.Deleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &Error{Kind: KindNotFound, Op: "scan_record", Err: ErrNotFound}
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Data = json.RawMessage(data)
	rec.DeviceID = deviceID.String
	rec.SyncStatus = SyncStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return obj != nil
}
