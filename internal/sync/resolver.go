package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/store"
)

// Strategy names a conflict resolution policy.
type Strategy string

// LastWriteWins picks the snapshot with the later updatedAt. On a tie the
// remote (second) snapshot wins.
const LastWriteWins Strategy = "last_write_wins"

// ErrUnsupportedStrategy is returned for any strategy other than LastWriteWins.
var ErrUnsupportedStrategy = errors.New("unsupported strategy")

// Resolution is the outcome of Resolve.
type Resolution struct {
	Conflict *store.Conflict
	Before   *store.Record
	Record   *store.Record

	// AlreadyResolved is true when the conflict had been resolved by an
	// earlier call; nothing was written.
	AlreadyResolved bool
}

// Resolver settles conflicts created by the store's change-detection trigger.
// Resolution is explicit: unresolved conflicts stay visible until Resolve is
// called for them.
type Resolver struct {
	store  *store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewResolver creates a resolver over an initialized store.
func NewResolver(st *store.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  st,
		now:    time.Now,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve settles one conflict.
//
// The conflict is stamped resolved with the chosen snapshot and strategy,
// and the live record's data and writer are overwritten from that snapshot
// with syncStatus = synced. Both writes share one transaction. The record
// write is a mutation, so its version increments by one.
//
// Resolving an already-resolved conflict is a no-op that returns the stored
// outcome with AlreadyResolved set.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy Strategy) (*Resolution, error) {
	if strategy == "" {
		strategy = LastWriteWins
	}
	if strategy != LastWriteWins {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, strategy)
	}

	var res *Resolution
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := store.GetConflict(ctx, tx, conflictID)
		if err != nil {
			return err
		}

		cur, err := store.GetRecord(ctx, tx, c.RecordID)
		if err != nil {
			return err
		}

		if c.Resolved {
			res = &Resolution{Conflict: c, Before: cur, Record: cur, AlreadyResolved: true}
			return nil
		}

		chosen := pickLastWrite(c.Local, c.Remote)
		now := r.now().UTC()

		next := *cur
		next.Data = chosen.Data
		next.DeviceID = chosen.DeviceID
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		next.SyncStatus = store.SyncSynced

		ok, err := store.UpdateRecordIfVersion(ctx, tx, &next, cur.Version, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s changed during resolution", cur.ID)
		}

		marked, err := store.MarkConflictResolved(ctx, tx, c.ID, string(strategy), chosen, now)
		if err != nil {
			return err
		}
		if !marked {
			return fmt.Errorf("conflict %s resolved concurrently", c.ID)
		}

		resolved, err := store.GetConflict(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		after, err := store.GetRecord(ctx, tx, c.RecordID)
		if err != nil {
			return err
		}
		res = &Resolution{Conflict: resolved, Before: cur, Record: after}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}

	if !res.AlreadyResolved {
		r.logger.Info().
			Str("conflict", conflictID).
			Str("record", res.Record.ID).
			Str("winner", res.Conflict.Resolution.DeviceID).
			Int64("version", res.Record.Version).
			Msg("conflict resolved")
	}
	return res, nil
}

// Get returns one conflict.
func (r *Resolver) Get(ctx context.Context, id string) (*store.Conflict, error) {
	return store.GetConflict(ctx, r.store.RawDB(), id)
}

// ListUnresolved returns conflicts still awaiting resolution, oldest first.
func (r *Resolver) ListUnresolved(ctx context.Context, limit int) ([]*store.Conflict, error) {
	return store.ListConflicts(ctx, r.store.RawDB(), store.ListConflictsFilter{
		UnresolvedOnly: true,
		Limit:          limit,
	})
}

// pickLastWrite returns the snapshot with the later updatedAt; ties go to
// remote so the outcome never depends on evaluation order.
func pickLastWrite(local, remote store.Snapshot) store.Snapshot {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}
