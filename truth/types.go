// Package truth implements the append-only Truth log: the sole source of
// execution-state mutation for a Flow (Invariant T2). Every exported type
// here is either a Truth event row or a runtime aggregate (Flow, FlowGroup)
// whose status the Truth Store updates.
//
// Writes are exclusively owned by the Flow: T1 (outcome immutability) means
// once an execution's outcome is set, (Outcome, OutcomeAt, OutcomeBy) never
// changes again — stamping is the only mutation the store ever performs on
// an existing row.
package truth

import "time"

// FlowStatus is the Flow.status state machine from spec.md §4.4.
type FlowStatus string

const (
	FlowActive    FlowStatus = "ACTIVE"
	FlowCompleted FlowStatus = "COMPLETED"
	FlowSuspended FlowStatus = "SUSPENDED"
	FlowBlocked   FlowStatus = "BLOCKED"
)

// FlowGroup is the unit-of-work aggregate identified by
// (CompanyID, ScopeType, ScopeID) and unique on that tuple. It owns zero or
// more Flows and, per SPEC_FULL.md §12.1, an optional AnchorTaskPath used by
// the SALE_CLOSED fan-out special rule to locate the group's Anchor
// Identity.
type FlowGroup struct {
	ID             string
	CompanyID      string
	ScopeType      string
	ScopeID        string
	AnchorTaskPath string // "nodeId.taskId", optional
}

// Flow is a running instance of a specific WorkflowVersion (Invariant F1: a
// Flow is permanently bound to one WorkflowVersion; no live upgrades).
type Flow struct {
	ID                string
	WorkflowVersionID string
	FlowGroupID       string
	Status            FlowStatus
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// NodeActivation records a Node becoming active for a Flow. A new row is
// appended every time a node is (re-)entered; Iteration increments on
// re-entry through a cycle.
type NodeActivation struct {
	ID          string
	FlowID      string
	NodeID      string
	Iteration   int
	ActivatedAt time.Time
}

// TaskExecution records one attempt at a Task within a Flow iteration.
// Multiple executions of the same (TaskID, Iteration) exist only when a
// prior one was invalidated by a detour; among them, at most one has a nil
// Outcome ("open").
type TaskExecution struct {
	ID               string
	FlowID           string
	TaskID           string
	Iteration        int
	StartedAt        time.Time
	StartedBy        string
	Outcome          *string
	OutcomeAt        *time.Time
	OutcomeBy        *string
	ResolvedDetourID *string // spec.md §9(b): made explicit here per the Open Question decision
}

// Open reports whether this execution has not yet had an outcome stamped.
func (e TaskExecution) Open() bool { return e.Outcome == nil }

// EvidenceType is the closed evidence-kind vocabulary from spec.md §6.
type EvidenceType string

const (
	EvidenceFile       EvidenceType = "FILE"
	EvidenceText       EvidenceType = "TEXT"
	EvidenceStructured EvidenceType = "STRUCTURED"
)

// FilePointer is the strict shape a FILE evidence payload must have.
// StorageKey MUST begin with "{companyId}/" (Invariant E1 continuation —
// tenant prefix enforcement lives in package engine's AttachEvidence, since
// only the engine knows the calling company).
type FilePointer struct {
	StorageKey string `json:"storageKey"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Bucket     string `json:"bucket"`
}

// EvidenceAttachment binds evidence to exactly one Task (Invariant E1), and
// optionally to the task's latest TaskExecution in the current iteration at
// attach time.
type EvidenceAttachment struct {
	ID              string
	FlowID          string
	TaskID          string
	TaskExecutionID *string
	Type            EvidenceType
	Data            any // FilePointer for EvidenceFile, map[string]any content otherwise
	AttachedBy      string
	AttachedAt      time.Time
	IdempotencyKey  *string
}

// ValidityState is the overlay state on a TaskExecution; latest-wins by
// (CreatedAt desc, ID desc), default VALID.
type ValidityState string

const (
	Valid       ValidityState = "VALID"
	Provisional ValidityState = "PROVISIONAL"
	Invalid     ValidityState = "INVALID"
)

// ValidityEvent taints or restores a TaskExecution's validity.
type ValidityEvent struct {
	ID              string
	TaskExecutionID string
	State           ValidityState
	CreatedAt       time.Time
	CreatedBy       string
	Reason          *string
}

// DetourType distinguishes a rework scope that merely re-opens a checkpoint
// (NonBlocking) from one that also blocks the checkpoint's descendants
// (Blocking).
type DetourType string

const (
	NonBlocking DetourType = "NON_BLOCKING"
	Blocking    DetourType = "BLOCKING"
)

// DetourStatus is the Detour.status state machine from spec.md §4.4.
type DetourStatus string

const (
	DetourActive   DetourStatus = "ACTIVE"
	DetourResolved DetourStatus = "RESOLVED"
	DetourConverted DetourStatus = "CONVERTED"
)

// DetourRecord is a rework scope opened against a checkpoint task execution.
// RepeatIndex counts prior detours at the same (FlowID, CheckpointNodeID).
type DetourRecord struct {
	ID                        string
	FlowID                    string
	CheckpointNodeID          string
	CheckpointTaskExecutionID string
	ResumeTargetNodeID        string
	Type                      DetourType
	Status                    DetourStatus
	RepeatIndex               int
	OpenedBy                  string
	OpenedAt                  time.Time
	EscalatedAt               *time.Time
	EscalatedBy               *string
	ResolvedAt                *time.Time
	ResolvedBy                *string
	ConvertedAt               *time.Time
	ConvertedBy               *string
}

// FanOutFailure is persisted when the post-commit fan-out dispatcher fails
// to act on a rule; it accompanies the triggering Flow's transition to
// BLOCKED (spec.md §4.6).
type FanOutFailure struct {
	ID               string
	FlowID           string
	SourceNodeID     string
	TriggerOutcome   string
	TargetWorkflowID string
	Reason           string
	CreatedAt        time.Time
}

// GroupOutcome is one row of the "flowGroup -> outcomes[]" projection used
// to evaluate CrossFlowDependency (spec.md §4.2). WorkflowID identifies the
// workflow the recording flow was running, TaskID is the bare task id
// (matched against CrossFlowDependency.SourceTaskPath's suffix per the
// known fragility documented in spec.md §9(c)).
type GroupOutcome struct {
	FlowID     string
	WorkflowID string
	TaskID     string
	Outcome    string
}

// HookKind is one of the four best-effort post-commit events spec.md §6
// allows the engine to emit.
type HookKind string

const (
	HookTaskStarted   HookKind = "TASK_STARTED"
	HookTaskDone      HookKind = "TASK_DONE"
	HookNodeActivated HookKind = "NODE_ACTIVATED"
	HookFlowCompleted HookKind = "FLOW_COMPLETED"
)

// Hook is one outbox row awaiting best-effort delivery to the in-process
// emitter (SPEC_FULL.md §12.2), grounded on the teacher's transactional
// outbox (events_outbox / PendingEvents / MarkEventsEmitted in
// graph/store/store.go), repurposed from graph-execution events to
// FlowSpec's four hook kinds.
type Hook struct {
	ID        string
	FlowID    string
	Kind      HookKind
	Meta      map[string]any
	CreatedAt time.Time
}

// Truth is the full event set for one Flow, the argument shape spec.md §4.3
// describes as "(snapshot, events...)". Derived-State functions in package
// derive take a Truth value and never mutate it.
type Truth struct {
	NodeActivations []NodeActivation
	TaskExecutions  []TaskExecution
	Evidence        []EvidenceAttachment
	ValidityEvents  []ValidityEvent
	Detours         []DetourRecord
}
