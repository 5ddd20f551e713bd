package engine

import (
	"context"
	"strings"

	"github.com/flowspec/engine/derive"
	"github.com/flowspec/engine/evidenceschema"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/truth"
)

// AttachEvidence implements spec.md §4.4 attachEvidence: validates a FILE
// pointer's shape and tenant prefix, validates the payload against the
// task's EvidenceSchema if present, binds to the current-iteration
// execution when one exists, and honours idempotencyKey by returning the
// prior attachment unchanged on re-submit.
func (e *Engine) AttachEvidence(ctx context.Context, flowID, taskID, companyID string, evType truth.EvidenceType, data any, userID string, idempotencyKey *string) (truth.EvidenceAttachment, error) {
	ctx, cancel := e.txContext(ctx)
	defer cancel()

	_, snap, err := e.loadFlowAndSnapshot(ctx, flowID)
	if err != nil {
		return truth.EvidenceAttachment{}, err
	}
	nodeID, task, ok := findTask(snap, taskID)
	if !ok {
		return truth.EvidenceAttachment{}, flowerr.Newf(flowerr.TaskNotFound, "task %s not found", taskID)
	}

	if evType == truth.EvidenceFile {
		ptr, ok := data.(truth.FilePointer)
		if !ok {
			return truth.EvidenceAttachment{}, flowerr.New(flowerr.InvalidFilePointer, "FILE evidence must carry a FilePointer payload")
		}
		if ptr.StorageKey == "" || ptr.FileName == "" || ptr.MimeType == "" || ptr.Bucket == "" {
			return truth.EvidenceAttachment{}, flowerr.New(flowerr.InvalidFilePointer, "FILE evidence pointer is missing required fields")
		}
		if !strings.HasPrefix(ptr.StorageKey, companyID+"/") {
			return truth.EvidenceAttachment{}, flowerr.Newf(flowerr.StorageKeyTenantMismatch, "storage key %q does not begin with tenant prefix %q", ptr.StorageKey, companyID+"/")
		}
	}

	att := truth.EvidenceAttachment{
		FlowID:         flowID,
		TaskID:         task.ID,
		Type:           evType,
		Data:           data,
		AttachedBy:     userID,
		AttachedAt:     e.now(),
		IdempotencyKey: idempotencyKey,
	}
	if err := evidenceschema.Validate(task.EvidenceSchema, att); err != nil {
		return truth.EvidenceAttachment{}, flowerr.Newf(flowerr.InvalidEvidenceFormat, "%v", err)
	}

	tx, err := e.store.Begin(ctx, flowID)
	if err != nil {
		return truth.EvidenceAttachment{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tr, err := e.store.LoadTruth(ctx, tx, flowID)
	if err != nil {
		return truth.EvidenceAttachment{}, err
	}
	if act, ok := derive.LatestActivation(tr, nodeID); ok {
		if latest, ok := derive.LatestExecution(tr, task.ID, act.Iteration); ok {
			execID := latest.ID
			att.TaskExecutionID = &execID
		}
	}

	stored, wasExisting, err := e.store.AttachEvidence(ctx, tx, att)
	if err != nil {
		return truth.EvidenceAttachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return truth.EvidenceAttachment{}, err
	}
	committed = true
	_ = wasExisting
	return stored, nil
}
