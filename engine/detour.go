package engine

import (
	"context"
	"fmt"

	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/truth"
)

// OpenDetour implements spec.md §4.5 openDetour. type defaults to
// NonBlocking when the caller passes an empty truth.DetourType. category is
// optional free-form context folded into the ValidityEvent's reason, since
// DetourRecord itself carries no Category field.
func (e *Engine) OpenDetour(ctx context.Context, flowID, checkpointNodeID, resumeTargetNodeID, checkpointTaskExecutionID, userID string, detourType truth.DetourType, category *string) (truth.DetourRecord, error) {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

	if _, _, err := e.loadFlowAndSnapshot(ctx, flowID); err != nil {
		return truth.DetourRecord{}, err
	}
	if detourType == "" {
		detourType = truth.NonBlocking
	}

	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return truth.DetourRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, ok, err := e.store.ActiveDetourForFlow(ctx, tx, flowID); err != nil {
		return truth.DetourRecord{}, err
	} else if ok {
		return truth.DetourRecord{}, flowerr.New(flowerr.NestedDetourForbidden, "flow already has an active detour")
	}

	repeatIndex, err := e.store.CountDetoursAtCheckpoint(ctx, tx, flowID, checkpointNodeID)
	if err != nil {
		return truth.DetourRecord{}, err
	}

	now := e.now()
	detour, err := e.store.OpenDetour(ctx, tx, truth.DetourRecord{
		FlowID:                    flowID,
		CheckpointNodeID:          checkpointNodeID,
		CheckpointTaskExecutionID: checkpointTaskExecutionID,
		ResumeTargetNodeID:        resumeTargetNodeID,
		Type:                      detourType,
		Status:                    truth.DetourActive,
		RepeatIndex:               repeatIndex,
		OpenedBy:                  userID,
		OpenedAt:                  now,
	})
	if err != nil {
		return truth.DetourRecord{}, err
	}

	reason := fmt.Sprintf("reopened by detour %s", detour.ID)
	if category != nil && *category != "" {
		reason = fmt.Sprintf("%s (category: %s)", reason, *category)
	}
	if _, err := e.store.RecordValidityEvent(ctx, tx, truth.ValidityEvent{
		TaskExecutionID: checkpointTaskExecutionID,
		State:           truth.Provisional,
		CreatedAt:       now,
		CreatedBy:       userID,
		Reason:          &reason,
	}); err != nil {
		return truth.DetourRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return truth.DetourRecord{}, err
	}
	committed = true

	e.opts.Metrics.setActiveDetours(1)
	return detour, nil
}

// EscalateDetour implements spec.md §4.5 escalateDetour: sets
// type = BLOCKING and stamps escalatedAt/escalatedBy.
func (e *Engine) EscalateDetour(ctx context.Context, flowID, detourID, userID string) error {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

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

	d, ok, err := e.store.DetourByID(ctx, tx, detourID)
	if err != nil {
		return err
	}
	if !ok {
		return flowerr.Newf(flowerr.InvalidDetour, "detour %s not found", detourID)
	}
	if d.Status != truth.DetourActive {
		return flowerr.Newf(flowerr.InvalidDetour, "detour %s is not active", detourID)
	}

	if err := e.store.EscalateDetour(ctx, tx, d.ID, e.now(), userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// TriggerRemediation implements spec.md §4.5 triggerRemediation: sets
// status = CONVERTED and stamps convertedAt/convertedBy. A CONVERTED
// detour can no longer be resolved with detourId.
func (e *Engine) TriggerRemediation(ctx context.Context, flowID, detourID, userID string) error {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

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

	d, ok, err := e.store.DetourByID(ctx, tx, detourID)
	if err != nil {
		return err
	}
	if !ok {
		return flowerr.Newf(flowerr.InvalidDetour, "detour %s not found", detourID)
	}
	if d.Status != truth.DetourActive {
		return flowerr.Newf(flowerr.InvalidDetour, "detour %s is not active", detourID)
	}

	if err := e.store.UpdateDetourStatus(ctx, tx, detourID, truth.DetourConverted, e.now(), userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	e.opts.Metrics.setActiveDetours(0)
	return nil
}
