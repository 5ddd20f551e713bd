package truth

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested Flow, FlowGroup, TaskExecution or
// DetourRecord does not exist. Grounded on the teacher's store.ErrNotFound
// (graph/store/store.go), same role here.
var ErrNotFound = errors.New("truth: not found")

// Tx is an opaque per-Flow transaction handle. Every Store implementation
// returns its own concrete type from Begin; callers only ever pass the
// value back to other Store methods or to Commit/Rollback.
//
// Per spec.md §5, a Tx acquires an exclusive lock on the Flow row for its
// lifetime (row-level lock is sufficient) — this is what gives linearizable
// per-Flow progression without serializing the whole engine. No Tx may span
// two Flows.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the Truth Store contract from spec.md §4.2. All write methods
// accept a Tx so the Progression Engine can compose several writes into one
// atomic unit; passing a nil Tx commits that single write on its own
// implicit transaction.
//
// Store implementations must be safe for concurrent use by multiple Flows;
// concurrency within a single Flow is the caller's responsibility (acquire
// one Tx, issue all writes for that operation through it, Commit once).
type Store interface {
	// Begin acquires a transaction scoped to flowID's row lock.
	Begin(ctx context.Context, flowID string) (Tx, error)

	// FlowGroup lifecycle.
	CreateFlowGroup(ctx context.Context, tx Tx, g FlowGroup) (FlowGroup, error)
	FlowGroupByScope(ctx context.Context, companyID, scopeType, scopeID string) (FlowGroup, bool, error)
	FlowGroupByID(ctx context.Context, id string) (FlowGroup, bool, error)

	// Flow lifecycle.
	CreateFlow(ctx context.Context, tx Tx, f Flow) (Flow, error)
	GetFlow(ctx context.Context, tx Tx, flowID string) (Flow, bool, error)
	// UpdateFlowStatus transitions Flow.status. now is only required when
	// status == FlowCompleted (stamps CompletedAt).
	UpdateFlowStatus(ctx context.Context, tx Tx, flowID string, status FlowStatus, now *time.Time) error
	FlowsInGroupByWorkflow(ctx context.Context, flowGroupID, workflowID string) ([]Flow, error)
	// FlowsInGroup returns every Flow in flowGroupID regardless of workflow,
	// including Flows that have not yet recorded any outcome — unlike
	// GroupOutcomes, which only surfaces Flows with at least one stamped
	// outcome.
	FlowsInGroup(ctx context.Context, flowGroupID string) ([]Flow, error)

	// LoadTruth reads the complete event set for a Flow — the "(snapshot,
	// events...)" argument Derived State takes.
	LoadTruth(ctx context.Context, tx Tx, flowID string) (Truth, error)

	// recordNodeActivation(flowId, nodeId, iteration, tx, now) — unconditional append.
	RecordNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string, iteration int, now time.Time) (NodeActivation, error)
	LatestNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string) (NodeActivation, bool, error)

	// recordTaskStart(flowId, taskId, userId, nodeActivationId, iteration, tx, now).
	// Caller guarantees no open execution exists for (taskId, iteration).
	RecordTaskStart(ctx context.Context, tx Tx, flowID, taskID, userID, nodeActivationID string, iteration int, now time.Time) (TaskExecution, error)
	// LatestExecution returns the most recent execution for (taskID, iteration)
	// ordered by (StartedAt desc, ID desc), matching §4.4 step 2.
	LatestExecution(ctx context.Context, tx Tx, flowID, taskID string, iteration int) (TaskExecution, bool, error)
	ExecutionByID(ctx context.Context, tx Tx, id string) (TaskExecution, bool, error)

	// recordOutcome(taskExecutionId, outcome, userId, tx, now) — transitions an
	// open row to outcome-set; fails with OUTCOME_ALREADY_RECORDED if already
	// stamped (enforced at this layer so T1 holds even under concurrent callers
	// racing the same row).
	RecordOutcome(ctx context.Context, tx Tx, taskExecutionID, outcome, userID string, now time.Time) (TaskExecution, error)
	// BindResolvedDetour stamps ResolvedDetourID on a stamped execution as part
	// of detour resolution (spec.md §9(b)).
	BindResolvedDetour(ctx context.Context, tx Tx, taskExecutionID, detourID string) error

	// attachEvidence(..., idempotencyKey?) — idempotent when a key is supplied.
	AttachEvidence(ctx context.Context, tx Tx, att EvidenceAttachment) (EvidenceAttachment, bool, error)
	EvidenceForTask(ctx context.Context, tx Tx, flowID, taskID string) ([]EvidenceAttachment, error)

	RecordValidityEvent(ctx context.Context, tx Tx, ev ValidityEvent) (ValidityEvent, error)

	OpenDetour(ctx context.Context, tx Tx, d DetourRecord) (DetourRecord, error)
	ActiveDetourForFlow(ctx context.Context, tx Tx, flowID string) (DetourRecord, bool, error)
	DetourByID(ctx context.Context, tx Tx, id string) (DetourRecord, bool, error)
	CountDetoursAtCheckpoint(ctx context.Context, tx Tx, flowID, checkpointNodeID string) (int, error)
	UpdateDetourStatus(ctx context.Context, tx Tx, id string, status DetourStatus, now time.Time, by string) error
	// EscalateDetour sets Type = Blocking and stamps EscalatedAt/EscalatedBy
	// without changing Status (spec.md §4.5 escalateDetour).
	EscalateDetour(ctx context.Context, tx Tx, id string, now time.Time, by string) error

	RecordFanOutFailure(ctx context.Context, tx Tx, f FanOutFailure) error

	// GroupOutcomes computes the "flowGroup -> outcomes[]" projection used to
	// evaluate CrossFlowDependency.
	GroupOutcomes(ctx context.Context, flowGroupID string) ([]GroupOutcome, error)

	// Hook outbox: transactional enqueue plus at-least-once delivery, the
	// persistence half of SPEC_FULL.md §12.2.
	EnqueueHook(ctx context.Context, tx Tx, h Hook) error
	PendingHooks(ctx context.Context, limit int) ([]Hook, error)
	MarkHooksDelivered(ctx context.Context, ids []string) error
}
