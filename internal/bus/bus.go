// Package bus provides the event-bus layer: a thin abstraction over Redis
// Streams plus the envelope codec and a retrying emitter.
//
// The engine depends on three bus capabilities only: appending to a stream
// with an approximate retention cap, consumer-group reads with
// acknowledgement and pending recovery, and group creation. The Bus interface
// captures exactly that surface so the ingress and matcher layers can be
// tested against an in-memory fake.
package bus

import (
	"context"
	"time"
)

// Message is one stream entry: an opaque, monotonically increasing id and
// flat string fields.
type Message struct {
	ID     string
	Fields map[string]string
}

// Bus is the capability surface the engine needs from the event bus.
type Bus interface {
	// Append adds an entry to a stream and returns its id. The
	// implementation applies the configured approximate length cap.
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)

	// EnsureGroup creates a consumer group at the given start id if it does
	// not already exist, creating the stream as needed. Idempotent.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup blocks up to the given duration for new messages delivered
	// to this consumer. A drained timeout returns an empty slice, not an
	// error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// ReadPending returns messages previously delivered to this consumer but
	// never acknowledged, with ids greater than start ("0" for the oldest).
	// Callers page by passing the last returned id. Used on startup to replay
	// work in flight when the process last stopped.
	ReadPending(ctx context.Context, stream, group, consumer, start string, count int64) ([]Message, error)

	// Ack marks messages as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// PendingCount reports how many delivered-but-unacknowledged messages
	// the group holds. Observational.
	PendingCount(ctx context.Context, stream, group string) (int64, error)

	Close() error
}
