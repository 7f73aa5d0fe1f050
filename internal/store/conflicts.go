package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one side of a conflict: the record state as one device wrote it.
// The JSON keys match what the change-detection trigger emits.
type Snapshot struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeviceID  string          `json:"device_id,omitempty"`
}

// Conflict is a detected pair of divergent writes to the same record.
//
// Local is the state that was overwritten; Remote is the state that was
// written without having observed Local. A conflict is created by the
// store's trigger, mutated exactly once when resolved, and never deleted.
type Conflict struct {
	ID         string     `json:"id"`
	RecordID   string     `json:"recordId"`
	Collection string     `json:"collection"`
	Local      Snapshot   `json:"local"`
	Remote     Snapshot   `json:"remote"`
	Strategy   string     `json:"strategy"`
	Resolved   bool       `json:"resolved"`
	Resolution *Snapshot  `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

const conflictColumns = `id, record_id, collection, local_snapshot, remote_snapshot,
	strategy, resolved, resolved_snapshot, resolved_at, created_at`

// GetConflict fetches a conflict by id.
func GetConflict(ctx context.Context, q Querier, id string) (*Conflict, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		return nil, Normalize("get_conflict", err)
	}
	return c, nil
}

// ListConflictsFilter configures ListConflicts.
type ListConflictsFilter struct {
	// RecordID filters to one record (empty = all)
	RecordID string
	// UnresolvedOnly hides resolved conflicts
	UnresolvedOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListConflicts returns conflicts oldest first.
func ListConflicts(ctx context.Context, q Querier, filter ListConflictsFilter) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	var args []any

	if filter.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, filter.RecordID)
	}
	if filter.UnresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Normalize("list_conflicts", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, Normalize("list_conflicts", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Normalize("list_conflicts", err)
	}
	return conflicts, nil
}

// MarkConflictResolved stamps an unresolved conflict with its outcome.
// Returns false if the conflict was already resolved.
func MarkConflictResolved(ctx context.Context, q Querier, id, strategy string, chosen Snapshot, at time.Time) (bool, error) {
	snap, err := json.Marshal(chosen)
	if err != nil {
		return false, fmt.Errorf("failed to marshal resolution: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE conflicts SET
			resolved = 1,
			strategy = ?,
			resolved_snapshot = ?,
			resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		strategy, string(snap), formatTime(at), id,
	)
	if err != nil {
		return false, Normalize("resolve_conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Normalize("resolve_conflict", err)
	}
	return n == 1, nil
}

func scanConflict(row scanner) (*Conflict, error) {
	var c Conflict
	var local, remote string
	var resolution, resolvedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&c.ID,
		&c.RecordID,
		&c.Collection,
		&local,
		&remote,
		&c.Strategy,
		&c.Resolved,
		&resolution,
		&resolvedAt,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &Error{Kind: KindNotFound, Op: "scan_conflict", Err: ErrNotFound}
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	if err := json.Unmarshal([]byte(local), &c.Local); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &c.Remote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote snapshot: %w", err)
	}
	if resolution.Valid {
		var snap Snapshot
		if err := json.Unmarshal([]byte(resolution.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		c.Resolution = &snap
	}

	c.CreatedAt = parseTime(createdAt)
	c.ResolvedAt = nullTime(resolvedAt)
	return &c, nil
}
