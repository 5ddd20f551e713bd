package engine

import (
	"context"
	"time"

	"github.com/flowspec/engine/derive"
	"github.com/flowspec/engine/evidenceschema"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// FanOutIntent is snapshotted when a node completes on the normal
// (non-detour) path, for the Fan-Out & Cross-Flow Coordinator (package
// coordinator) to dispatch post-commit (spec.md §4.4 step 7e, §4.6).
type FanOutIntent struct {
	FlowID      string
	FlowGroupID string
	SourceNodeID string
	TriggerOutcome string
}

// OutcomeResult is RecordOutcome's return value.
type OutcomeResult struct {
	Execution          truth.TaskExecution
	FlowCompleted      bool
	FanOutIntents      []FanOutIntent
	IterationLimitHit  bool // true if a gate-triggered or detour resume-target activation was refused; Flow is now BLOCKED
}

// RecordOutcome implements spec.md §4.4 recordOutcome, including the
// Detour & Validity Overlay resolution path (§4.5) when detourID is
// non-nil.
func (e *Engine) RecordOutcome(ctx context.Context, flowID, taskID, outcome, userID string, detourID *string) (OutcomeResult, error) {
	start := time.Now()
	defer func() { e.opts.Metrics.observeTxLatency("recordOutcome", time.Since(start)) }()

	ctx, cancel := e.txContext(ctx)
	defer cancel()

	flow, snap, err := e.loadFlowAndSnapshot(ctx, flowID)
	if err != nil {
		return OutcomeResult{}, err
	}
	nodeID, task, ok := findTask(snap, taskID)
	if !ok {
		return OutcomeResult{}, flowerr.Newf(flowerr.TaskNotFound, "task %s not found", taskID)
	}

	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return OutcomeResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return OutcomeResult{}, err
	}

	iteration := 1
	if act, ok := derive.LatestActivation(tr, nodeID); ok {
		iteration = act.Iteration
	}

	open, hasOpen := derive.OpenExecution(tr, task.ID, iteration)
	if !hasOpen {
		if _, anyStamped := derive.LatestExecution(tr, task.ID, iteration); anyStamped {
			return OutcomeResult{}, flowerr.Newf(flowerr.OutcomeAlreadyRecorded, "task %s already has a recorded outcome", task.ID)
		}
		return OutcomeResult{}, flowerr.Newf(flowerr.TaskNotStarted, "task %s has not been started", task.ID)
	}

	if _, ok := task.OutcomeByName(outcome); !ok {
		return OutcomeResult{}, flowerr.Newf(flowerr.InvalidOutcome, "outcome %q is not declared on task %s", outcome, task.ID)
	}

	if task.EvidenceRequired {
		if err := e.checkEvidenceRequired(ctx, tx, flowID, task); err != nil {
			return OutcomeResult{}, err
		}
	}

	detour, err := e.resolveDetourGuard(ctx, tx, flowID, nodeID, detourID)
	if err != nil {
		return OutcomeResult{}, err
	}

	now := e.now()
	stamped, err := e.store.RecordOutcome(ctx, tx, open.ID, outcome, userID, now)
	if err != nil {
		return OutcomeResult{}, err
	}

	result := OutcomeResult{Execution: stamped}

	if detour != nil {
		if err := e.resolveDetour(ctx, tx, flowID, *detour, stamped, userID, now, &result); err != nil {
			return OutcomeResult{}, err
		}
	} else {
		if err := e.advanceNormalPath(ctx, tx, snap, flowID, flow.FlowGroupID, nodeID, iteration, outcome, &result); err != nil {
			return OutcomeResult{}, err
		}
	}

	trFinal, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return OutcomeResult{}, err
	}
	if flow.Status != truth.FlowBlocked && derive.FlowComplete(snap, trFinal) {
		if err := e.store.UpdateFlowStatus(ctx, tx, flowID, truth.FlowCompleted, &now); err != nil {
			return OutcomeResult{}, err
		}
		result.FlowCompleted = true
	}

	if err := tx.Commit(); err != nil {
		return OutcomeResult{}, err
	}
	committed = true

	if result.IterationLimitHit {
		// spec.md §4.4 step 8: the outer flow marks Flow BLOCKED outside the
		// original transaction so the stamped outcome remains recorded truth.
		if err := e.store.UpdateFlowStatus(ctx, nil, flowID, truth.FlowBlocked, nil); err != nil {
			return result, err
		}
		e.opts.Metrics.recordFlowBlocked("iteration_limit_exceeded")
	}

	e.opts.Metrics.recordOutcome(snap.Workflow.ID, outcome)
	e.emitHook(flowID, truth.HookTaskDone, map[string]any{"taskId": task.ID, "nodeId": nodeID, "outcome": outcome})
	if result.FlowCompleted {
		e.emitHook(flowID, truth.HookFlowCompleted, nil)
	}
	return result, nil
}

func (e *Engine) checkEvidenceRequired(ctx context.Context, tx truth.Tx, flowID string, task snapshot.Task) error {
	atts, err := e.store.EvidenceForTask(ctx, tx, flowID, task.ID)
	if err != nil {
		return err
	}
	if len(atts) == 0 {
		return flowerr.Newf(flowerr.EvidenceRequired, "task %s requires evidence but none is attached", task.ID)
	}
	for _, att := range atts {
		if evidenceschema.Validate(task.EvidenceSchema, att) == nil {
			return nil
		}
	}
	return flowerr.Newf(flowerr.EvidenceRequired, "task %s requires evidence matching its schema; none of the %d attachment(s) validate", task.ID, len(atts))
}

// resolveDetourGuard implements spec.md §4.4 step 6 (the detour-spoof
// guard). It returns the referenced, already-validated DetourRecord when
// detourID is supplied, or nil on the normal (non-detour) path.
func (e *Engine) resolveDetourGuard(ctx context.Context, tx truth.Tx, flowID, nodeID string, detourID *string) (*truth.DetourRecord, error) {
	if detourID != nil {
		d, ok, err := e.store.DetourByID(ctx, tx, *detourID)
		if err != nil {
			return nil, err
		}
		if !ok || d.Status != truth.DetourActive {
			return nil, flowerr.Newf(flowerr.InvalidDetour, "detour %s is not an active detour", *detourID)
		}
		if d.CheckpointNodeID != nodeID {
			return nil, flowerr.Newf(flowerr.DetourHijack, "detour %s does not checkpoint node %s", *detourID, nodeID)
		}
		return &d, nil
	}
	active, ok, err := e.store.ActiveDetourForFlow(ctx, tx, flowID)
	if err != nil {
		return nil, err
	}
	if ok && active.CheckpointNodeID == nodeID {
		return nil, flowerr.Newf(flowerr.DetourSpoof, "node %s has an active detour; detourId must be supplied", nodeID)
	}
	return nil, nil
}

// resolveDetour implements spec.md §4.5's resolution path: a ValidityEvent
// VALID for the resolving execution, the Detour marked RESOLVED, and the
// resume target activated directly — gate routing is explicitly bypassed.
func (e *Engine) resolveDetour(ctx context.Context, tx truth.Tx, flowID string, detour truth.DetourRecord, stamped truth.TaskExecution, userID string, now time.Time, result *OutcomeResult) error {
	if _, err := e.store.RecordValidityEvent(ctx, tx, truth.ValidityEvent{
		TaskExecutionID: stamped.ID,
		State:           truth.Valid,
		CreatedAt:       now,
		CreatedBy:       userID,
	}); err != nil {
		return err
	}
	if err := e.store.UpdateDetourStatus(ctx, tx, detour.ID, truth.DetourResolved, now, userID); err != nil {
		return err
	}
	if err := e.store.BindResolvedDetour(ctx, tx, stamped.ID, detour.ID); err != nil {
		return err
	}

	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return err
	}
	if _, err := e.activateNodeInTx(ctx, tx, tr, flowID, detour.ResumeTargetNodeID, now); err != nil {
		if code, isErr := flowerr.CodeOf(err); isErr && code == flowerr.IterationLimitExceeded {
			result.IterationLimitHit = true
			return nil
		}
		return err
	}
	return nil
}

// advanceNormalPath implements spec.md §4.4 step 7c: compute node-complete,
// evaluate gates on completion, activate each non-null target, and
// snapshot a fan-out intent per triggered outcome.
func (e *Engine) advanceNormalPath(ctx context.Context, tx truth.Tx, snap snapshot.Snapshot, flowID, flowGroupID, nodeID string, iteration int, outcome string, result *OutcomeResult) error {
	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return err
	}
	validity := derive.ValidityMap(tr)
	if !derive.NodeComplete(snap, tr, nodeID, iteration, validity) {
		return nil
	}

	routes := derive.EvaluateGates(snap, tr, nodeID, iteration, validity)
	e.opts.Metrics.recordGateEvaluation(snap.Workflow.ID)

	now := e.now()
	for _, route := range routes {
		result.FanOutIntents = append(result.FanOutIntents, FanOutIntent{
			FlowID:         flowID,
			FlowGroupID:    flowGroupID,
			SourceNodeID:   nodeID,
			TriggerOutcome: route.OutcomeName,
		})
		if route.Terminal {
			continue
		}
		tr, err = e.store.LoadTruth(ctx, tx, flowID)
		if err != nil {
			return err
		}
		if _, err := e.activateNodeInTx(ctx, tx, tr, flowID, route.TargetNodeID, now); err != nil {
			if code, isErr := flowerr.CodeOf(err); isErr && code == flowerr.IterationLimitExceeded {
				result.IterationLimitHit = true
				continue
			}
			return err
		}
		e.emitHook(flowID, truth.HookNodeActivated, map[string]any{"nodeId": route.TargetNodeID})
	}
	return nil
}
