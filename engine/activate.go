package engine

import (
	"context"
	"time"

	"github.com/flowspec/engine/derive"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/truth"
)

// activateNodeInTx implements spec.md §4.4 activateNode within an
// already-open transaction: iteration defaults to
// (latestActivation.iteration ?? 0) + 1, and exceeding MaxNodeIterations
// returns *flowerr.Error{Code: IterationLimitExceeded} WITHOUT writing
// anything — the caller decides whether that still allows the surrounding
// transaction to commit (it does, per spec.md §4.4 step 8: the stamped
// outcome is preserved and the Flow is blocked outside this transaction).
func (e *Engine) activateNodeInTx(ctx context.Context, tx truth.Tx, tr truth.Truth, flowID, nodeID string, now time.Time) (truth.NodeActivation, error) {
	iteration := 1
	if act, ok := derive.LatestActivation(tr, nodeID); ok {
		iteration = act.Iteration + 1
	}
	if iteration > e.opts.MaxNodeIterations {
		return truth.NodeActivation{}, flowerr.Newf(flowerr.IterationLimitExceeded,
			"node %s iteration %d exceeds MaxNodeIterations %d", nodeID, iteration, e.opts.MaxNodeIterations)
	}
	return e.store.RecordNodeActivation(ctx, tx, flowID, nodeID, iteration, now)
}

// ActivateNode is the standalone form of spec.md §4.4 activateNode, for
// callers that need to activate a node outside the context of a
// recordOutcome transaction.
func (e *Engine) ActivateNode(ctx context.Context, flowID, nodeID string) (truth.NodeActivation, error) {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return truth.NodeActivation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return truth.NodeActivation{}, err
	}
	act, err := e.activateNodeInTx(ctx, tx, tr, flowID, nodeID, e.now())
	if err != nil {
		return truth.NodeActivation{}, err
	}
	if err := tx.Commit(); err != nil {
		return truth.NodeActivation{}, err
	}
	committed = true
	e.emitHook(flowID, truth.HookNodeActivated, map[string]any{"nodeId": nodeID, "iteration": act.Iteration})
	return act, nil
}

// ActivateEntryNodes activates every IsEntry node of flowID's snapshot at
// iteration 1. CreateFlow performs the same activation inline during
// instantiation rather than calling this; it is exposed standalone for callers that instantiate a Flow row through
// another path (e.g. a persistence layer's own transaction) and then need
// to perform entry activation separately.
func (e *Engine) ActivateEntryNodes(ctx context.Context, flowID string) error {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

	_, snap, err := e.loadFlowAndSnapshot(ctx, flowID)
	if err != nil {
		return err
	}
	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := e.now()
	for _, node := range snap.Workflow.EntryNodes() {
		if _, err := e.store.RecordNodeActivation(ctx, tx, flowID, node.ID, 1, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	for _, node := range snap.Workflow.EntryNodes() {
		e.emitHook(flowID, truth.HookNodeActivated, map[string]any{"nodeId": node.ID, "iteration": 1})
	}
	return nil
}
