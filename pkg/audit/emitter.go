package audit

import "context"

// Emitter is the interface for audit event sinks. Emission is advisory:
// callers fire and forget, and a sink failure must never fail the request
// that produced the event.
type Emitter interface {
	// Emit records an audit event
	Emit(ctx context.Context, event *Event) error

	// Close flushes any buffered events
	Close() error
}

// NopEmitter discards all events (used when no sink is configured)
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, event *Event) error {
	return nil
}

func (NopEmitter) Close() error {
	return nil
}
