package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Emit retry policy. Transient bus trouble gets a short fixed sleep and
// another try; after the last attempt the error goes back to the caller.
const (
	emitAttempts   = 3
	emitRetrySleep = 100 * time.Millisecond
)

// Emitter publishes engine events onto outbound streams with bounded retry.
type Emitter struct {
	bus    Bus
	logger *slog.Logger
}

// NewEmitter wraps a Bus for publishing.
func NewEmitter(b Bus, logger *slog.Logger) *Emitter {
	return &Emitter{
		bus:    b,
		logger: logger.With("component", "emitter"),
	}
}

// Emit envelopes the payload and appends it to the stream, retrying
// transient failures. The returned error means the event was dropped after
// all attempts; callers decide whether that is fatal.
func (e *Emitter) Emit(ctx context.Context, stream, eventType string, payload any) error {
	fields, err := Fields(eventType, time.Now(), payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= emitAttempts; attempt++ {
		id, err := e.bus.Append(ctx, stream, fields)
		if err == nil {
			e.logger.Debug("event emitted", "stream", stream, "type", eventType, "id", id)
			return nil
		}
		lastErr = err

		if attempt < emitAttempts {
			e.logger.Warn("emit failed, retrying",
				"stream", stream, "type", eventType, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emitRetrySleep):
			}
		}
	}
	return fmt.Errorf("emit %s to %s after %d attempts: %w", eventType, stream, emitAttempts, lastErr)
}
