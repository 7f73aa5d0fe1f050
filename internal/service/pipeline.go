package service

import (
	"context"
	"time"

	"github.com/mschirtzinger/devsync/internal/api"
	"github.com/mschirtzinger/devsync/internal/realtime"
	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
)

// Mutations run detached from the caller's context: once a request is
// admitted, a client disconnect must not abort its store transaction or drop
// its audit entry.

// CreateRecord inserts a record and publishes it.
func (s *Service) CreateRecord(ctx context.Context, req dsync.CreateRequest) (*store.Record, error) {
	ctx = context.WithoutCancel(ctx)
	ch, err := s.controller.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, req.DeviceID, ch)
	return ch.After, nil
}

// GetRecord returns a live record.
func (s *Service) GetRecord(ctx context.Context, id string) (*store.Record, error) {
	return s.controller.Get(ctx, id)
}

// UpdateRecord patches a record under optimistic concurrency and publishes
// the new state.
func (s *Service) UpdateRecord(ctx context.Context, req dsync.UpdateRequest) (*store.Record, error) {
	ctx = context.WithoutCancel(ctx)
	ch, err := s.controller.ApplyUpdate(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, req.DeviceID, ch)
	return ch.After, nil
}

// DeleteRecord soft-deletes a record and publishes the tombstone.
func (s *Service) DeleteRecord(ctx context.Context, req dsync.DeleteRequest) (*store.Record, error) {
	ctx = context.WithoutCancel(ctx)
	ch, err := s.controller.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, req.DeviceID, ch)
	return ch.After, nil
}

// ListConflicts returns unresolved conflicts.
func (s *Service) ListConflicts(ctx context.Context, limit int) ([]*store.Conflict, error) {
	return s.resolver.ListUnresolved(ctx, limit)
}

// ResolveConflict settles a conflict on behalf of deviceID. A repeated
// resolution is neither audited nor broadcast.
func (s *Service) ResolveConflict(ctx context.Context, id string, strategy dsync.Strategy, deviceID string) (*dsync.Resolution, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := s.resolver.Resolve(ctx, id, strategy)
	if err != nil {
		return nil, err
	}
	if !res.AlreadyResolved {
		s.publish(ctx, deviceID, &dsync.Change{Op: store.OpResolve, Before: res.Before, After: res.Record})
	}
	return res, nil
}

// GetConflict returns one conflict, resolved or not.
func (s *Service) GetConflict(ctx context.Context, id string) (*store.Conflict, error) {
	return s.resolver.Get(ctx, id)
}

// SyncLog reads the audit trail.
func (s *Service) SyncLog(ctx context.Context, since time.Time, limit int) ([]*store.SyncLogEntry, error) {
	return s.audit.Since(ctx, since, limit)
}

// Health reports connection counts.
func (s *Service) Health(context.Context) api.Health {
	stats := s.registry.Snapshot()
	return api.Health{
		Status:      "ok",
		Connections: stats.Total,
		Devices:     len(stats.Devices),
	}
}

// publish audits a committed change and fans it out to every device except
// the writer. Neither step can fail the mutation.
func (s *Service) publish(ctx context.Context, deviceID string, ch *dsync.Change) {
	rec := ch.After

	meta := map[string]any{
		"deviceId":   deviceID,
		"version":    rec.Version,
		"syncStatus": rec.SyncStatus,
	}
	if entry := s.audit.Record(ctx, deviceID, ch.Op, rec.Collection, rec.ID, ch.Before, rec); entry != nil {
		meta["auditId"] = entry.ID
	}

	s.broadcaster.BroadcastAsync(realtime.DataSync(string(ch.Op), rec.Collection, rec, meta), deviceID)
}
