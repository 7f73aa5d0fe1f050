package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation recorded in the sync log.
type Operation string

const (
	OpCreate  Operation = "CREATE"
	OpUpdate  Operation = "UPDATE"
	OpDelete  Operation = "DELETE"
	OpResolve Operation = "RESOLVE"
)

// SyncLogEntry is one append-only audit row.
type SyncLogEntry struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Operation  Operation       `json:"operation"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"recordId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// AppendSyncLog inserts an entry. Entries are never updated or deleted.
func (s *Store) AppendSyncLog(ctx context.Context, e *SyncLogEntry) error {
	_, err := s.Execute(ctx, Op{
		Query: `
		INSERT INTO sync_log (
			id, device_id, operation, collection, record_id,
			before_data, after_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			e.ID,
			nullString(e.DeviceID),
			string(e.Operation),
			e.Collection,
			e.RecordID,
			nullRaw(e.Before),
			nullRaw(e.After),
			formatTime(e.CreatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append sync log entry %s: %w", e.ID, err)
	}
	return nil
}

// SyncLogSince returns entries created at or after since, oldest first.
// limit <= 0 means no limit.
func (s *Store) SyncLogSince(ctx context.Context, since time.Time, limit int) ([]*SyncLogEntry, error) {
	query := `
	SELECT id, device_id, operation, collection, record_id,
	       before_data, after_data, created_at
	FROM sync_log
	WHERE created_at >= ?
	ORDER BY created_at ASC, id ASC`
	args := []any{formatTime(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, normalizeAll("sync_log_since", err)
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var deviceID, before, after sql.NullString
		var op, createdAt string

		if err := rows.Scan(&e.ID, &deviceID, &op, &e.Collection, &e.RecordID, &before, &after, &createdAt); err != nil {
			return nil, normalizeAll("sync_log_since", fmt.Errorf("failed to scan sync log entry: %w", err))
		}
		e.DeviceID = deviceID.String
		e.Operation = Operation(op)
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeAll("sync_log_since", err)
	}
	return entries, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
