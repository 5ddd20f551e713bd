// Package emit carries the engine's best-effort post-commit hooks (spec.md
// §6: "after a successful commit the engine emits best-effort in-process
// events {TASK_STARTED | TASK_DONE | NODE_ACTIVATED | FLOW_COMPLETED}").
//
// Grounded on the teacher's graph/emit package: the same Emitter shape
// (Emit/EmitBatch/Flush) generalized from per-node-step graph events to
// FlowSpec's four hook kinds. Hook failures are logged and never mutate
// Truth.
package emit

import "github.com/flowspec/engine/truth"

// Event is one hook delivery. It mirrors truth.Hook but is the emitter-facing
// shape: Meta carries event-specific context (e.g. {"taskId": ..., "outcome": ...}).
type Event struct {
	FlowID string
	Kind   truth.HookKind
	Meta   map[string]any
}
