package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// fixedSnapshotStore is a trivial SnapshotStore backed by a map, standing in
// for package lifecycle's registry in isolation.
type fixedSnapshotStore struct {
	snaps map[string]snapshot.Snapshot
}

func newFixedSnapshotStore() *fixedSnapshotStore {
	return &fixedSnapshotStore{snaps: map[string]snapshot.Snapshot{}}
}

func (f *fixedSnapshotStore) add(id string, w snapshot.Workflow) {
	f.snaps[id] = snapshot.Build(id, w)
}

func (f *fixedSnapshotStore) GetSnapshot(ctx context.Context, workflowVersionID string) (snapshot.Snapshot, bool, error) {
	s, ok := f.snaps[workflowVersionID]
	return s, ok, nil
}

func linearTestWorkflow() snapshot.Workflow {
	return snapshot.Workflow{
		ID: "wf-linear",
		Nodes: []snapshot.Node{
			{ID: "A", IsEntry: true, CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t1", Outcomes: []snapshot.Outcome{{ID: "o1", Name: "DONE"}}},
			}},
			{ID: "B", CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t2", Outcomes: []snapshot.Outcome{{ID: "o2", Name: "DONE"}}},
			}},
		},
		Gates: []snapshot.Gate{
			{ID: "g1", SourceNodeID: "A", OutcomeName: "DONE", TargetNodeID: "B"},
			{ID: "g2", SourceNodeID: "B", OutcomeName: "DONE"}, // terminal
		},
	}
}

func selfLoopWorkflow() snapshot.Workflow {
	return snapshot.Workflow{
		ID: "wf-loop",
		Nodes: []snapshot.Node{
			{ID: "A", IsEntry: true, CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t1", Outcomes: []snapshot.Outcome{{ID: "o1", Name: "RETRY"}, {ID: "o2", Name: "DONE"}}},
			}},
		},
		Gates: []snapshot.Gate{
			{ID: "g1", SourceNodeID: "A", OutcomeName: "RETRY", TargetNodeID: "A"},
			{ID: "g2", SourceNodeID: "A", OutcomeName: "DONE"},
		},
	}
}

func newTestEngine(t *testing.T, w snapshot.Workflow, opts Options) (*Engine, *fixedSnapshotStore, truth.Store) {
	t.Helper()
	store := truth.NewMemoryStore()
	snaps := newFixedSnapshotStore()
	snaps.add(w.ID+"@1", w)
	return New(store, snaps, opts), snaps, store
}

func mustCreateFlow(t *testing.T, e *Engine, workflowVersionID string) truth.Flow {
	t.Helper()
	flow, err := e.CreateFlow(context.Background(), workflowVersionID, "group-1")
	require.NoError(t, err)
	return flow
}

func TestCreateFlowActivatesEntryNodes(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	assert.Equal(t, truth.FlowActive, flow.Status)
	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Len(t, tr.NodeActivations, 1)
	assert.Equal(t, "A", tr.NodeActivations[0].NodeID)
	assert.Equal(t, 1, tr.NodeActivations[0].Iteration)
}

func TestStartTaskRejectsUnknownTask(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	_, err := e.StartTask(context.Background(), flow.ID, "nope", "user-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.TaskNotFound, code)
}

func TestStartTaskRejectsNotActionable(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	// B has not been activated yet.
	_, err := e.StartTask(context.Background(), flow.ID, "t2", "user-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.TaskNotActionable, code)

	var fe *flowerr.Error
	require.ErrorAs(t, err, &fe)
	assert.NotEmpty(t, fe.Details["reason"])
}

func TestStartTaskSucceedsAndRejectsDoubleStart(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	assert.True(t, exec.Open())
	assert.Equal(t, "user-1", exec.StartedBy)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.TaskAlreadyStarted, code)
}

func TestRecordOutcomeRejectsUnstartedTask(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	_, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.TaskNotStarted, code)
}

func TestRecordOutcomeRejectsInvalidOutcome(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)

	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "BOGUS", "user-1", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.InvalidOutcome, code)
}

func TestRecordOutcomeRejectsDoubleStamp(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)

	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.OutcomeAlreadyRecorded, code)
}

// TestLinearFlowCompletesEndToEnd is spec.md §8 scenario 1: a linear
// two-node flow runs to completion.
func TestLinearFlowCompletesEndToEnd(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, res.FlowCompleted)
	require.Len(t, res.FanOutIntents, 1)
	assert.Equal(t, "A", res.FanOutIntents[0].SourceNodeID)

	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Len(t, tr.NodeActivations, 2, "B must now be activated")

	_, err = e.StartTask(context.Background(), flow.ID, "t2", "user-1")
	require.NoError(t, err)
	res, err = e.RecordOutcome(context.Background(), flow.ID, "t2", "DONE", "user-1", nil)
	require.NoError(t, err)
	assert.True(t, res.FlowCompleted)

	gotFlow, ok, err := store.GetFlow(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, truth.FlowCompleted, gotFlow.Status)
}

// TestSelfLoopIterationCap is spec.md §8 scenario 3: a self-gate exceeding
// MaxNodeIterations stamps the outcome but blocks the flow, outside the
// original transaction.
func TestSelfLoopIterationCap(t *testing.T) {
	e, _, store := newTestEngine(t, selfLoopWorkflow(), Options{MaxNodeIterations: 2})
	flow := mustCreateFlow(t, e, "wf-loop@1")

	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "RETRY", "user-1", nil)
	require.NoError(t, err)
	assert.False(t, res.IterationLimitHit, "iteration 2 is within the cap of 2")

	gotFlow, _, err := store.GetFlow(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Equal(t, truth.FlowActive, gotFlow.Status)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	res, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "RETRY", "user-1", nil)
	require.NoError(t, err, "the stamped outcome commits even when the gate-triggered reactivation is refused")
	assert.True(t, res.IterationLimitHit)
	require.NotNil(t, res.Execution.Outcome)
	assert.Equal(t, "RETRY", *res.Execution.Outcome)

	gotFlow, _, err = store.GetFlow(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, truth.FlowBlocked, gotFlow.Status, "exceeding MaxNodeIterations blocks the flow")

	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Len(t, tr.TaskExecutions, 2, "both attempts' outcomes remain recorded truth")
}

func TestBlockedFlowRejectsFurtherWrites(t *testing.T) {
	e, _, store := newTestEngine(t, selfLoopWorkflow(), Options{MaxNodeIterations: 1})
	flow := mustCreateFlow(t, e, "wf-loop@1")

	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "RETRY", "user-1", nil)
	require.NoError(t, err)
	require.True(t, res.IterationLimitHit)

	gotFlow, _, err := store.GetFlow(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Equal(t, truth.FlowBlocked, gotFlow.Status)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.FlowBlocked, code)
}

func TestOpenDetourRejectsNested(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)

	_, err = e.OpenDetour(context.Background(), flow.ID, "A", "A", exec.ID, "user-1", "", nil)
	require.NoError(t, err)

	_, err = e.OpenDetour(context.Background(), flow.ID, "B", "B", exec.ID, "user-1", "", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.NestedDetourForbidden, code)
}

// TestDetourSpoofRejected is spec.md §8 scenario 5: recording an outcome at
// a node with an active detour, without passing detourID, is rejected.
func TestDetourSpoofRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)

	_, err = e.OpenDetour(context.Background(), flow.ID, "A", "A", exec.ID, "user-1", "", nil)
	require.NoError(t, err)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-2")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-2", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.DetourSpoof, code)
}

func TestDetourHijackRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)

	detour, err := e.OpenDetour(context.Background(), flow.ID, "A", "A", exec.ID, "user-1", "", nil)
	require.NoError(t, err)

	_, err = e.StartTask(context.Background(), flow.ID, "t2", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t2", "DONE", "user-1", &detour.ID)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.DetourHijack, code)
}

// TestDetourResolveStableResume is spec.md §8 scenario 4: resolving a
// detour with detourID bypasses gate routing and activates the resume
// target directly.
func TestDetourResolveStableResume(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec1, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)

	detour, err := e.OpenDetour(context.Background(), flow.ID, "A", "A", exec1.ID, "user-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, truth.NonBlocking, detour.Type)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", &detour.ID)
	require.NoError(t, err)
	assert.Empty(t, res.FanOutIntents, "detour resolution bypasses gate routing and so never snapshots a fan-out intent")

	resolved, ok, err := store.DetourByID(context.Background(), nil, detour.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, truth.DetourResolved, resolved.Status)

	boundExec, ok, err := store.ExecutionByID(context.Background(), nil, res.Execution.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, boundExec.ResolvedDetourID)
	assert.Equal(t, detour.ID, *boundExec.ResolvedDetourID)

	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	var aActivations int
	for _, act := range tr.NodeActivations {
		if act.NodeID == "A" {
			aActivations++
		}
	}
	assert.Equal(t, 2, aActivations, "resolving the detour re-activates A directly")
}

func TestEscalateDetour(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)
	detour, err := e.OpenDetour(context.Background(), flow.ID, "A", "A", exec.ID, "user-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, e.EscalateDetour(context.Background(), flow.ID, detour.ID, "supervisor"))

	got, _, err := store.DetourByID(context.Background(), nil, detour.ID)
	require.NoError(t, err)
	assert.Equal(t, truth.Blocking, got.Type)
	require.NotNil(t, got.EscalatedAt)
	require.NotNil(t, got.EscalatedBy)
	assert.Equal(t, "supervisor", *got.EscalatedBy)
}

func TestTriggerRemediationPreventsFurtherResolution(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)
	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)
	detour, err := e.OpenDetour(context.Background(), flow.ID, "A", "A", exec.ID, "user-1", "", nil)
	require.NoError(t, err)

	_, err = e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)

	require.NoError(t, e.TriggerRemediation(context.Background(), flow.ID, detour.ID, "supervisor"))

	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", &detour.ID)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.InvalidDetour, code)
}

func evidenceWorkflow() snapshot.Workflow {
	return snapshot.Workflow{
		ID: "wf-evidence",
		Nodes: []snapshot.Node{
			{ID: "A", IsEntry: true, CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{
					ID: "t1", EvidenceRequired: true,
					EvidenceSchema: &snapshot.EvidenceSchema{Type: "text", MinLength: 3},
					Outcomes:       []snapshot.Outcome{{ID: "o1", Name: "DONE"}},
				},
			}},
		},
		Gates: []snapshot.Gate{{ID: "g1", SourceNodeID: "A", OutcomeName: "DONE"}},
	}
}

func TestRecordOutcomeRequiresEvidence(t *testing.T) {
	e, _, _ := newTestEngine(t, evidenceWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-evidence@1")
	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)

	_, err = e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.EvidenceRequired, code)

	_, err = e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceText, map[string]any{"content": "done"}, "user-1", nil)
	require.NoError(t, err)

	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)
	assert.True(t, res.FlowCompleted)
}

func TestAttachEvidenceFileTenantPrefix(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	_, err := e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceFile, truth.FilePointer{
		StorageKey: "other-tenant/doc.pdf", FileName: "doc.pdf", MimeType: "application/pdf", Bucket: "evidence", Size: 10,
	}, "user-1", nil)
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.StorageKeyTenantMismatch, code)

	att, err := e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceFile, truth.FilePointer{
		StorageKey: "acme/doc.pdf", FileName: "doc.pdf", MimeType: "application/pdf", Bucket: "evidence", Size: 10,
	}, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", att.TaskID)
}

func TestAttachEvidenceIdempotencyKeyDedup(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	key := "idem-key-1"

	att1, err := e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceText, map[string]any{"content": "hello"}, "user-1", &key)
	require.NoError(t, err)
	att2, err := e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceText, map[string]any{"content": "different"}, "user-1", &key)
	require.NoError(t, err)
	assert.Equal(t, att1.ID, att2.ID)
}

func TestAttachEvidenceBindsOpenExecution(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	exec, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)

	att, err := e.AttachEvidence(context.Background(), flow.ID, "t1", "acme", truth.EvidenceText, map[string]any{"content": "hello"}, "user-1", nil)
	require.NoError(t, err)
	require.NotNil(t, att.TaskExecutionID)
	assert.Equal(t, exec.ID, *att.TaskExecutionID)
}

// TestFanOutIntentSnapshottedOnGateCompletion is spec.md §8 scenario 6:
// the engine snapshots a FanOutIntent on the normal path and preserves the
// stamped outcome regardless of what downstream dispatch does with it
// (engine itself never calls package coordinator, so failure there cannot
// roll back the recorded outcome).
func TestFanOutIntentSnapshottedOnGateCompletion(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")
	_, err := e.StartTask(context.Background(), flow.ID, "t1", "user-1")
	require.NoError(t, err)

	res, err := e.RecordOutcome(context.Background(), flow.ID, "t1", "DONE", "user-1", nil)
	require.NoError(t, err)
	require.Len(t, res.FanOutIntents, 1)
	assert.Equal(t, flow.ID, res.FanOutIntents[0].FlowID)
	assert.Equal(t, "group-1", res.FanOutIntents[0].FlowGroupID)
	assert.Equal(t, "A", res.FanOutIntents[0].SourceNodeID)
	assert.Equal(t, "DONE", res.FanOutIntents[0].TriggerOutcome)

	exec, ok, err := store.ExecutionByID(context.Background(), nil, res.Execution.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, exec.Outcome)
	assert.Equal(t, "DONE", *exec.Outcome, "the stamped outcome survives independent of downstream fan-out dispatch")
}

func TestDeterministicClockIsUsedForTimestamps(t *testing.T) {
	fixed := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{Clock: func() time.Time { return fixed }})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	require.Len(t, tr.NodeActivations, 1)
	assert.True(t, fixed.Equal(tr.NodeActivations[0].ActivatedAt))
}

func TestActivateNodeStandalone(t *testing.T) {
	e, _, store := newTestEngine(t, linearTestWorkflow(), Options{})
	flow := mustCreateFlow(t, e, "wf-linear@1")

	act, err := e.ActivateNode(context.Background(), flow.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, 1, act.Iteration)

	act2, err := e.ActivateNode(context.Background(), flow.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, 2, act2.Iteration)

	tr, err := store.LoadTruth(context.Background(), nil, flow.ID)
	require.NoError(t, err)
	var bCount int
	for _, a := range tr.NodeActivations {
		if a.NodeID == "B" {
			bCount++
		}
	}
	assert.Equal(t, 2, bCount)
}

func TestCreateFlowRejectsUnknownWorkflowVersion(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	_, err := e.CreateFlow(context.Background(), "nonexistent@9", "group-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.NoPublishedVersion, code)
}

func TestLoadFlowAndSnapshotRejectsMissingFlow(t *testing.T) {
	e, _, _ := newTestEngine(t, linearTestWorkflow(), Options{})
	_, err := e.StartTask(context.Background(), "does-not-exist", "t1", "user-1")
	code, ok := flowerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.FlowNotFound, code)
}
