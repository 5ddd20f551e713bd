// Package engine implements the Progression Engine (spec.md §4.4): the
// transactional orchestration of start-task / record-outcome / gate
// evaluation / node activation / completion detection, plus the
// Detour & Validity overlay (§4.5) that rides the same transactions.
package engine

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowspec/engine/emit"
)

// DefaultMaxNodeIterations is spec.md §4.4's MAX_NODE_ITERATIONS.
const DefaultMaxNodeIterations = 100

// Options configures an Engine. Grounded on the teacher's Options struct
// (graph/options.go): the zero value is valid, the same philosophy as
// "Zero values are valid - the Engine will use sensible defaults."
type Options struct {
	// MaxNodeIterations bounds per-node cycle re-entry (spec.md
	// MAX_NODE_ITERATIONS). Zero means DefaultMaxNodeIterations (100).
	MaxNodeIterations int

	// Metrics, if non-nil, receives Prometheus observations from StartTask,
	// RecordOutcome, OpenDetour and TriggerRemediation. Nil disables metrics
	// recording entirely.
	Metrics *PrometheusMetrics

	// Emitter receives best-effort post-commit hooks. Nil uses
	// emit.NewNullEmitter().
	Emitter emit.Emitter

	// Clock returns the current time for every stamped field
	// (ActivatedAt, StartedAt, OutcomeAt, ...). Nil uses time.Now,
	// overridable for deterministic tests the same way the teacher's
	// initRNG is seeded from the run id for deterministic replay.
	Clock func() time.Time

	// TxTimeout bounds a single write transaction (spec.md §5
	// "Cancellation / timeout"). Zero means no timeout is imposed beyond
	// the caller's own context.
	TxTimeout time.Duration

	// Tracer is the OpenTelemetry tracer held by the Engine. Nil uses
	// otel.Tracer("flowspec/engine"). The Engine's operations do not start
	// spans on it.
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.MaxNodeIterations <= 0 {
		o.MaxNodeIterations = DefaultMaxNodeIterations
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("flowspec/engine")
	}
	return o
}
