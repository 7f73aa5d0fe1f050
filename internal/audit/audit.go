// Package audit keeps the append-only sync log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/store"
)

// Appender persists log entries.
type Appender interface {
	AppendSyncLog(ctx context.Context, e *store.SyncLogEntry) error
	SyncLogSince(ctx context.Context, since time.Time, limit int) ([]*store.SyncLogEntry, error)
}

// Logger records every committed mutation. Appends are best-effort: a
// failure is logged and swallowed, and never reaches the mutation that
// triggered it.
type Logger struct {
	sink   Appender
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an audit logger writing to sink.
func New(sink Appender, logger zerolog.Logger) *Logger {
	return &Logger{
		sink:   sink,
		now:    time.Now,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// SetClock overrides the time source. Used by tests.
func (l *Logger) SetClock(now func() time.Time) {
	l.now = now
}

// Record appends one entry and returns it, or nil if the append failed.
// before and after may be nil, a json.RawMessage, or any value that
// marshals to JSON.
func (l *Logger) Record(ctx context.Context, deviceID string, op store.Operation, collection, recordID string, before, after any) *store.SyncLogEntry {
	now := l.now().UTC()
	entry := &store.SyncLogEntry{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		DeviceID:   deviceID,
		Operation:  op,
		Collection: collection,
		RecordID:   recordID,
		CreatedAt:  now,
	}

	var err error
	if entry.Before, err = encode(before); err != nil {
		l.warn(err, entry, "failed to encode before snapshot")
		return nil
	}
	if entry.After, err = encode(after); err != nil {
		l.warn(err, entry, "failed to encode after snapshot")
		return nil
	}

	if err := l.sink.AppendSyncLog(ctx, entry); err != nil {
		l.warn(err, entry, "failed to append sync log entry")
		return nil
	}
	return entry
}

// Since returns entries created at or after t, oldest first.
func (l *Logger) Since(ctx context.Context, t time.Time, limit int) ([]*store.SyncLogEntry, error) {
	return l.sink.SyncLogSince(ctx, t, limit)
}

func (l *Logger) warn(err error, e *store.SyncLogEntry, msg string) {
	l.logger.Warn().
		Err(err).
		Str("device", e.DeviceID).
		Str("operation", string(e.Operation)).
		Str("record", e.RecordID).
		Msg(msg)
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case *store.Record:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
