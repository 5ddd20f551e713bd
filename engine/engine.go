package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowspec/engine/derive"
	"github.com/flowspec/engine/emit"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// SnapshotStore resolves a WorkflowVersionID to its immutable Snapshot. It is
// satisfied by package lifecycle's version registry; kept as a narrow
// interface here so engine never imports lifecycle (lifecycle imports
// engine's Snapshot-building dependency the other way around would cycle).
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, workflowVersionID string) (snapshot.Snapshot, bool, error)
}

// Engine is the Progression Engine: every state-changing operation from
// spec.md §4.4 and §4.5 runs through one of its methods, each wrapped in
// exactly one Truth Store transaction (spec.md §5: per-Flow row lock,
// linearizable within a Flow, parallel across Flows).
type Engine struct {
	store     truth.Store
	snapshots SnapshotStore
	opts      Options
}

// New constructs an Engine. A zero-value Options is valid.
func New(store truth.Store, snapshots SnapshotStore, opts Options) *Engine {
	return &Engine{store: store, snapshots: snapshots, opts: opts.withDefaults()}
}

func (e *Engine) now() time.Time { return e.opts.Clock() }

// txContext bounds a single write transaction per Options.TxTimeout
// (spec.md §5 "Cancellation/timeout"). A zero TxTimeout imposes no bound
// beyond the caller's own context, so the returned cancel is a no-op.
func (e *Engine) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.TxTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.TxTimeout)
}

func (e *Engine) emitHook(flowID string, kind truth.HookKind, meta map[string]any) {
	e.opts.Emitter.Emit(emit.Event{FlowID: flowID, Kind: kind, Meta: meta})
}

// loadFlowAndSnapshot is the common prologue every write operation runs:
// find the Flow, reject if missing or BLOCKED, resolve its Snapshot.
func (e *Engine) loadFlowAndSnapshot(ctx context.Context, flowID string) (truth.Flow, snapshot.Snapshot, error) {
	flow, ok, err := e.store.GetFlow(ctx, nil, flowID)
	if err != nil {
		return truth.Flow{}, snapshot.Snapshot{}, err
	}
	if !ok {
		return truth.Flow{}, snapshot.Snapshot{}, flowerr.Newf(flowerr.FlowNotFound, "flow %s not found", flowID)
	}
	if flow.Status == truth.FlowBlocked {
		return truth.Flow{}, snapshot.Snapshot{}, flowerr.Newf(flowerr.FlowBlocked, "flow %s is blocked", flowID)
	}
	snap, ok, err := e.snapshots.GetSnapshot(ctx, flow.WorkflowVersionID)
	if err != nil {
		return truth.Flow{}, snapshot.Snapshot{}, err
	}
	if !ok {
		flowerr.Bug(fmt.Sprintf("flow %s references unknown workflow version %s", flowID, flow.WorkflowVersionID))
	}
	return flow, snap, nil
}

// findTask locates a task's owning node anywhere in the snapshot.
func findTask(snap snapshot.Snapshot, taskID string) (nodeID string, task snapshot.Task, ok bool) {
	for _, n := range snap.Workflow.Nodes {
		if t, found := n.TaskByID(taskID); found {
			return n.ID, t, true
		}
	}
	return "", snapshot.Task{}, false
}

// CreateFlow instantiates a Flow against a published WorkflowVersion and
// activates its entry nodes (spec.md §4.4 "activateEntryNodes ... called by
// instantiation"). It is the non-fan-out entry point; package coordinator's
// idempotent creation (duplicate policy C1) wraps this for fan-out-triggered
// creation.
func (e *Engine) CreateFlow(ctx context.Context, workflowVersionID, flowGroupID string) (truth.Flow, error) {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

	snap, ok, err := e.snapshots.GetSnapshot(ctx, workflowVersionID)
	if err != nil {
		return truth.Flow{}, err
	}
	if !ok {
		return truth.Flow{}, flowerr.Newf(flowerr.NoPublishedVersion, "no such workflow version %s", workflowVersionID)
	}

	now := e.now()
	flow, err := e.store.CreateFlow(ctx, nil, truth.Flow{
		WorkflowVersionID: workflowVersionID,
		FlowGroupID:       flowGroupID,
		Status:            truth.FlowActive,
		CreatedAt:         now,
	})
	if err != nil {
		return truth.Flow{}, err
	}

	tx, err := e.store.Begin(ctx, flow.ID)
	if err != nil {
		return truth.Flow{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, node := range snap.Workflow.EntryNodes() {
		act, err := e.store.RecordNodeActivation(ctx, tx, flow.ID, node.ID, 1, now)
		if err != nil {
			return truth.Flow{}, err
		}
		_ = act
	}
	if err := tx.Commit(); err != nil {
		return truth.Flow{}, err
	}
	committed = true

	for _, node := range snap.Workflow.EntryNodes() {
		e.emitHook(flow.ID, truth.HookNodeActivated, map[string]any{"nodeId": node.ID, "iteration": 1})
	}
	return flow, nil
}

// StartTask implements spec.md §4.4 startTask. Actionability is checked only
// here, never at outcome-recording time (invariant I-22).
func (e *Engine) StartTask(ctx context.Context, flowID, taskID, userID string) (truth.TaskExecution, error) {
	start := time.Now()
	defer func() { e.opts.Metrics.observeTxLatency("startTask", time.Since(start)) }()

	ctx, cancel := e.txContext(ctx)
	defer cancel()

	flow, snap, err := e.loadFlowAndSnapshot(ctx, flowID)
	if err != nil {
		return truth.TaskExecution{}, err
	}
	nodeID, task, ok := findTask(snap, taskID)
	if !ok {
		return truth.TaskExecution{}, flowerr.Newf(flowerr.TaskNotFound, "task %s not found", taskID)
	}

	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return truth.TaskExecution{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return truth.TaskExecution{}, err
	}
	groupOutcomes, err := e.store.GroupOutcomes(ctx, flow.FlowGroupID)
	if err != nil {
		return truth.TaskExecution{}, err
	}

	if !derive.TaskActionable(snap, tr, groupOutcomes, nodeID, task.ID) {
		reason := derive.Explain(snap, tr, groupOutcomes, nodeID, task.ID)
		return truth.TaskExecution{}, flowerr.Newf(flowerr.TaskNotActionable, "task %s is not actionable", task.ID).
			WithDetails(map[string]any{"reason": string(reason)})
	}

	act, ok := derive.LatestActivation(tr, nodeID)
	if !ok {
		flowerr.Bug("StartTask: actionable task's node has no activation")
	}
	iteration := act.Iteration

	if open, ok := derive.OpenExecution(tr, task.ID, iteration); ok {
		return open, flowerr.Newf(flowerr.TaskAlreadyStarted, "task %s already has an open execution", task.ID).
			WithDetails(map[string]any{"taskExecutionId": open.ID})
	}

	now := e.now()
	exec, err := e.store.RecordTaskStart(ctx, tx, flowID, task.ID, userID, act.ID, iteration, now)
	if err != nil {
		return truth.TaskExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return truth.TaskExecution{}, err
	}
	committed = true

	e.opts.Metrics.recordTaskStarted(snap.Workflow.ID)
	e.emitHook(flowID, truth.HookTaskStarted, map[string]any{"taskId": task.ID, "nodeId": nodeID, "iteration": iteration})
	return exec, nil
}
