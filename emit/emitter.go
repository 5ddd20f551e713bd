package emit

import "context"

// Emitter receives FlowSpec's post-commit hook events. Implementations must
// be non-blocking, thread-safe, and resilient — a hook failure is logged by
// the caller and never mutates Truth or rolls back the triggering
// transaction.
type Emitter interface {
	// Emit sends one event. Implementations must not panic.
	Emit(event Event)

	// EmitBatch sends several events in delivery order. Returns an error only
	// for catastrophic configuration failures; individual event delivery
	// failures should be logged internally and swallowed.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until every buffered event has been sent, or ctx expires.
	Flush(ctx context.Context) error
}
