// Package sync implements optimistic concurrency control and conflict
// resolution for synchronized records.
//
// # Concurrency control
//
// Controller validates version tokens on every mutation. The read, the
// version check and the write share one IMMEDIATE transaction, and the
// write is a conditional update (WHERE version = ?), so two writers can
// never both succeed from the same base version:
//
//	change, err := ctrl.ApplyUpdate(ctx, sync.UpdateRequest{
//	    RecordID:        id,
//	    DeviceID:        "laptop",
//	    ExpectedVersion: &v,
//	    Patch:           json.RawMessage(`{"title":"new"}`),
//	})
//	if vc, ok := sync.IsVersionConflict(err); ok {
//	    // rebase on vc.Current and retry
//	}
//
// # Conflicts
//
// In best-effort mode (no ExpectedVersion) writes are accepted. If the
// writer reports a LastSeenVersion that is not the current version and a
// different device wrote the current version, the store's trigger records a
// Conflict holding both snapshots. Two tabs of the same device racing each
// other are not flagged.
//
// Resolver settles conflicts on request using last-write-wins by updatedAt.
// Resolution is idempotent.
package sync
