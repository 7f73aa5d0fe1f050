package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/devsync/internal/store"
)

// testClock hands out timestamps that advance only when told to.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time           { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store    *store.Store
	ctrl     *Controller
	resolver *Resolver
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	ctrl := NewController(st, zerolog.Nop())
	ctrl.SetClock(clock.Now)
	res := NewResolver(st, zerolog.Nop())
	res.SetClock(clock.Now)

	return &fixture{store: st, ctrl: ctrl, resolver: res, clock: clock}
}

func (f *fixture) create(t *testing.T, device string) *store.Record {
	t.Helper()
	ch, err := f.ctrl.Create(context.Background(), CreateRequest{
		Collection: "notes",
		Data:       json.RawMessage(`{"title":"v1"}`),
		DeviceID:   device,
	})
	require.NoError(t, err)
	return ch.After
}

func (f *fixture) update(t *testing.T, req UpdateRequest) *store.Record {
	t.Helper()
	f.clock.Advance(time.Second)
	ch, err := f.ctrl.ApplyUpdate(context.Background(), req)
	require.NoError(t, err)
	return ch.After
}

func version(v int64) *int64 { return &v }

func TestCreate(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "dev-1")

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, store.SyncPending, rec.SyncStatus)
	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.JSONEq(t, `{"title":"v1"}`, string(rec.Data))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"missing device", CreateRequest{Collection: "notes"}, "deviceId"},
		{"missing collection", CreateRequest{DeviceID: "dev-1"}, "collection"},
		{"non-object data", CreateRequest{Collection: "notes", DeviceID: "dev-1", Data: json.RawMessage(`"x"`)}, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctrl.Create(ctx, tt.req)
			var ve *store.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestApplyUpdate_IncrementsVersion(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "dev-1")

	after := f.update(t, UpdateRequest{
		RecordID:        rec.ID,
		DeviceID:        "dev-2",
		ExpectedVersion: version(1),
		Patch:           json.RawMessage(`{"body":"text"}`),
	})

	assert.Equal(t, int64(2), after.Version)
	assert.Equal(t, "dev-2", after.DeviceID)
	assert.Equal(t, store.SyncPending, after.SyncStatus)
	assert.True(t, after.UpdatedAt.After(rec.UpdatedAt))
	assert.JSONEq(t, `{"title":"v1","body":"text"}`, string(after.Data))
}

func TestApplyUpdate_NullRemovesKey(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "dev-1")

	after := f.update(t, UpdateRequest{
		RecordID: rec.ID,
		DeviceID: "dev-1",
		Patch:    json.RawMessage(`{"title":null,"done":true}`),
	})
	assert.JSONEq(t, `{"done":true}`, string(after.Data))
}

// Client A holds version 3; client B bumps the record to 4; A's update with
// expectedVersion 3 is rejected with the version-4 record and not applied.
func TestApplyUpdate_StaleClientGetsCurrentRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "dev-a")

	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", ExpectedVersion: version(1), Patch: json.RawMessage(`{"n":2}`)})
	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", ExpectedVersion: version(2), Patch: json.RawMessage(`{"n":3}`)})
	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-b", ExpectedVersion: version(3), Patch: json.RawMessage(`{"n":4,"by":"b"}`)})

	_, err := f.ctrl.ApplyUpdate(ctx, UpdateRequest{
		RecordID:        rec.ID,
		DeviceID:        "dev-a",
		ExpectedVersion: version(3),
		Patch:           json.RawMessage(`{"n":"a-wins?"}`),
	})

	vc, ok := IsVersionConflict(err)
	require.True(t, ok, "want version conflict, got %v", err)
	assert.Equal(t, int64(3), vc.Expected)
	assert.Equal(t, int64(4), vc.Current.Version)
	assert.JSONEq(t, `{"title":"v1","n":4,"by":"b"}`, string(vc.Current.Data))

	cur, err := f.ctrl.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur.Version)
	assert.Equal(t, "dev-b", cur.DeviceID)
}

func TestApplyUpdate_PreviousVersionAlwaysConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "dev-1")

	for v := int64(1); v < 6; v++ {
		f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-1", ExpectedVersion: version(v), Patch: json.RawMessage(`{}`)})

		_, err := f.ctrl.ApplyUpdate(ctx, UpdateRequest{
			RecordID:        rec.ID,
			DeviceID:        "dev-2",
			ExpectedVersion: version(v),
			Patch:           json.RawMessage(`{"stale":true}`),
		})
		vc, ok := IsVersionConflict(err)
		require.True(t, ok, "v=%d: want version conflict, got %v", v, err)
		assert.Equal(t, v+1, vc.Current.Version)
	}
}

func TestApplyUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.ApplyUpdate(ctx, UpdateRequest{RecordID: "missing", DeviceID: "dev-1", Patch: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	rec := f.create(t, "dev-1")
	_, err = f.ctrl.Delete(ctx, DeleteRequest{RecordID: rec.ID, DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = f.ctrl.ApplyUpdate(ctx, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-1", Patch: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, store.ErrNotFound), "update after delete: got %v", err)

	_, err = f.ctrl.Delete(ctx, DeleteRequest{RecordID: rec.ID, DeviceID: "dev-1"})
	assert.True(t, errors.Is(err, store.ErrNotFound), "second delete: got %v", err)
}

func TestDelete_SoftDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "dev-1")

	ch, err := f.ctrl.Delete(ctx, DeleteRequest{RecordID: rec.ID, DeviceID: "dev-2", ExpectedVersion: version(1)})
	require.NoError(t, err)
	assert.True(t, ch.After.Deleted)
	assert.Equal(t, int64(2), ch.After.Version)

	// Still physically present.
	stored, err := store.GetRecord(ctx, f.store.RawDB(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
}

func TestApplyUpdate_InvalidPatch(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "dev-1")

	_, err := f.ctrl.ApplyUpdate(context.Background(), UpdateRequest{RecordID: rec.ID, DeviceID: "dev-1", Patch: json.RawMessage(`[1]`)})
	var ve *store.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data", ve.Field)
}

// makeConflict produces a conflict where dev-b wrote version 2 and dev-a,
// still on version 1, wrote version 3 without having seen it.
func makeConflict(t *testing.T, f *fixture, remoteDelay time.Duration) (*store.Record, *store.Conflict) {
	t.Helper()
	rec := f.create(t, "dev-a")

	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-b", LastSeenVersion: version(1), Patch: json.RawMessage(`{"title":"from b"}`)})

	f.clock.Advance(remoteDelay - time.Second)
	after := f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", LastSeenVersion: version(1), Patch: json.RawMessage(`{"title":"from a"}`)})
	assert.Equal(t, store.SyncConflict, after.SyncStatus)

	conflicts, err := f.resolver.ListUnresolved(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return after, conflicts[0]
}

func TestBestEffortUpdate_FlagsConflict(t *testing.T) {
	f := newFixture(t)
	_, c := makeConflict(t, f, time.Second)

	assert.Equal(t, "dev-b", c.Local.DeviceID)
	assert.Equal(t, "dev-a", c.Remote.DeviceID)
	assert.Equal(t, int64(2), c.Local.Version)
	assert.Equal(t, int64(3), c.Remote.Version)
	assert.False(t, c.Resolved)
}

func TestBestEffortUpdate_SameDeviceNotFlagged(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "dev-a")

	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", LastSeenVersion: version(1), Patch: json.RawMessage(`{"tab":1}`)})
	after := f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", LastSeenVersion: version(1), Patch: json.RawMessage(`{"tab":2}`)})

	assert.Equal(t, store.SyncPending, after.SyncStatus)
	conflicts, err := f.resolver.ListUnresolved(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolve_LaterWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, c := makeConflict(t, f, 5*time.Second)

	res, err := f.resolver.Resolve(ctx, c.ID, LastWriteWins)
	require.NoError(t, err)

	assert.False(t, res.AlreadyResolved)
	assert.True(t, res.Conflict.Resolved)
	assert.NotNil(t, res.Conflict.ResolvedAt)
	assert.Equal(t, string(LastWriteWins), res.Conflict.Strategy)
	assert.Equal(t, "dev-a", res.Conflict.Resolution.DeviceID)

	assert.Equal(t, store.SyncSynced, res.Record.SyncStatus)
	assert.Equal(t, rec.Version+1, res.Record.Version)
	assert.JSONEq(t, `{"title":"from a"}`, string(res.Record.Data))
}

func TestResolve_EarlierRemoteLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "dev-a")

	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-b", LastSeenVersion: version(1), Patch: json.RawMessage(`{"title":"from b"}`)})
	// Server clock stepped backwards between the two writes.
	f.clock.Advance(-10 * time.Second)
	f.update(t, UpdateRequest{RecordID: rec.ID, DeviceID: "dev-a", LastSeenVersion: version(1), Patch: json.RawMessage(`{"title":"from a"}`)})

	conflicts, err := f.resolver.ListUnresolved(ctx, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	res, err := f.resolver.Resolve(ctx, conflicts[0].ID, LastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", res.Record.DeviceID)
	assert.JSONEq(t, `{"title":"from b"}`, string(res.Record.Data))
}

func TestResolve_TieGoesToRemote(t *testing.T) {
	local := store.Snapshot{DeviceID: "local", UpdatedAt: time.Unix(100, 0)}
	remote := store.Snapshot{DeviceID: "remote", UpdatedAt: time.Unix(100, 0)}

	assert.Equal(t, "remote", pickLastWrite(local, remote).DeviceID)
	assert.Equal(t, "local", pickLastWrite(store.Snapshot{DeviceID: "local", UpdatedAt: time.Unix(101, 0)}, remote).DeviceID)
}

func TestResolve_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, c := makeConflict(t, f, time.Second)

	first, err := f.resolver.Resolve(ctx, c.ID, LastWriteWins)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second, err := f.resolver.Resolve(ctx, c.ID, LastWriteWins)
	require.NoError(t, err)

	assert.True(t, second.AlreadyResolved)
	assert.Equal(t, first.Conflict.Resolution, second.Conflict.Resolution)
	assert.Equal(t, first.Record.Version, second.Record.Version)
	assert.Equal(t, first.Conflict.ResolvedAt, second.Conflict.ResolvedAt)

	remaining, err := f.resolver.ListUnresolved(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, c := makeConflict(t, f, time.Second)

	_, err := f.resolver.Resolve(ctx, c.ID, Strategy("manual"))
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)

	_, err = f.resolver.Resolve(ctx, "missing", LastWriteWins)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := f.resolver.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved, "rejected strategy must not resolve")
}
