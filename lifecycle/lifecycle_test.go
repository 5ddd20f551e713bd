package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

func validDraft(id string) snapshot.Workflow {
	return snapshot.Workflow{
		ID: id,
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
			{ID: "g2", SourceNodeID: "B", OutcomeName: "DONE"},
		},
	}
}

func TestValidateAcceptsWellFormedDraft(t *testing.T) {
	status, issues := Validate(validDraft("wf1"), NewRegistry())
	assert.Equal(t, Validated, status)
	assert.Empty(t, issues)
}

func TestValidateStructuralNoEntryNode(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].IsEntry = false
	_, issues := Validate(w, NewRegistry())
	require.Len(t, issues, 1)
	assert.Equal(t, CategoryStructural, issues[0].Category)
}

func TestValidateStructuralUnreachableNode(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes = append(w.Nodes, snapshot.Node{ID: "C", Tasks: []snapshot.Task{{ID: "t3", Outcomes: []snapshot.Outcome{{ID: "o3", Name: "DONE"}}}}})
	w.Gates = append(w.Gates, snapshot.Gate{ID: "g3", SourceNodeID: "C", OutcomeName: "DONE"})
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryStructural && i.NodeID == "C" {
			found = true
		}
	}
	assert.True(t, found, "C is declared but unreachable from any entry node")
}

func TestValidateStructuralRequiresTerminalPathUnlessNonTerminating(t *testing.T) {
	w := snapshot.Workflow{
		ID: "wf-cycle",
		Nodes: []snapshot.Node{
			{ID: "A", IsEntry: true, Tasks: []snapshot.Task{{ID: "t1", Outcomes: []snapshot.Outcome{{ID: "o1", Name: "RETRY"}}}}},
		},
		Gates: []snapshot.Gate{{ID: "g1", SourceNodeID: "A", OutcomeName: "RETRY", TargetNodeID: "A"}},
	}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryStructural {
			found = true
		}
	}
	assert.True(t, found)

	w.IsNonTerminating = true
	_, issues = Validate(w, NewRegistry())
	for _, i := range issues {
		assert.NotEqual(t, CategoryStructural, i.Category, "isNonTerminating suppresses the no-terminal-path check")
	}
}

func TestValidateOutcomesGatesDuplicateGate(t *testing.T) {
	w := validDraft("wf1")
	w.Gates = append(w.Gates, snapshot.Gate{ID: "g1b", SourceNodeID: "A", OutcomeName: "DONE", TargetNodeID: "B"})
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryOutcomesGates {
			found = true
		}
	}
	assert.True(t, found, "two gates declared for the same (node, outcome) pair")
}

func TestValidateOutcomesGatesMissingGateForOutcome(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].Tasks[0].Outcomes = append(w.Nodes[0].Tasks[0].Outcomes, snapshot.Outcome{ID: "o1b", Name: "REJECTED"})
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryOutcomesGates && i.TaskID == "t1" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateOutcomesGatesTaskWithNoOutcomes(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].Tasks = append(w.Nodes[0].Tasks, snapshot.Task{ID: "t-empty"})
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryOutcomesGates && i.TaskID == "t-empty" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateEvidenceRejectsMalformedSchema(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].Tasks[0].EvidenceRequired = true
	w.Nodes[0].Tasks[0].EvidenceSchema = nil
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryEvidence {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateSemanticUnknownSpecificTask(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[1].CompletionRule = snapshot.SpecificTasksDone
	w.Nodes[1].SpecificTasks = []string{"does-not-exist"}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategorySemantic {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateCrossFlowSelfLoop(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
		{SourceWorkflowID: "wf1", SourceTaskPath: "A.t1", RequiredOutcome: "DONE"},
	}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryCrossFlow {
			found = true
		}
	}
	assert.True(t, found, "a task cannot depend on its own outcome")
}

func TestValidateCrossFlowUnpublishedSource(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
		{SourceWorkflowID: "wf-other", SourceTaskPath: "X.tx", RequiredOutcome: "DONE"},
	}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryCrossFlow {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateCrossFlowAcceptsPublishedSourceTask(t *testing.T) {
	reg := NewRegistry()
	_, issues, err := reg.Publish(context.Background(), "wf-other", validDraft("wf-other"), time.Now())
	require.NoError(t, err)
	require.Empty(t, issues)

	w := validDraft("wf1")
	w.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
		{SourceWorkflowID: "wf-other", SourceTaskPath: "A.t1", RequiredOutcome: "DONE"},
	}
	status, issues := Validate(w, reg)
	assert.Equal(t, Validated, status)
	assert.Empty(t, issues)
}

func TestValidateFanOutSelfFanOut(t *testing.T) {
	w := validDraft("wf1")
	w.FanOutRules = []snapshot.FanOutRule{{SourceNodeID: "A", TriggerOutcome: "DONE", TargetWorkflowID: "wf1"}}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryFanOut {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateFanOutRequiresPublishedTarget(t *testing.T) {
	w := validDraft("wf1")
	w.FanOutRules = []snapshot.FanOutRule{{SourceNodeID: "A", TriggerOutcome: "DONE", TargetWorkflowID: "wf-unpublished"}}
	_, issues := Validate(w, NewRegistry())
	found := false
	for _, i := range issues {
		if i.Category == CategoryFanOut {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateFanOutAcceptsPublishedTarget(t *testing.T) {
	reg := NewRegistry()
	_, issues, err := reg.Publish(context.Background(), "wf-target", validDraft("wf-target"), time.Now())
	require.NoError(t, err)
	require.Empty(t, issues)

	w := validDraft("wf1")
	w.FanOutRules = []snapshot.FanOutRule{{SourceNodeID: "A", TriggerOutcome: "DONE", TargetWorkflowID: "wf-target"}}
	status, issues := Validate(w, reg)
	assert.Equal(t, Validated, status)
	assert.Empty(t, issues)
}

func TestIssuesSortedDeterministically(t *testing.T) {
	w := validDraft("wf1")
	w.Nodes[0].IsEntry = false
	w.FanOutRules = []snapshot.FanOutRule{{SourceNodeID: "A", TriggerOutcome: "DONE", TargetWorkflowID: "wf1"}}
	_, issues := Validate(w, NewRegistry())
	require.True(t, len(issues) >= 2)
	for i := 1; i < len(issues); i++ {
		assert.True(t, issues[i-1].Category <= issues[i].Category)
	}
}

func TestPublishRefusesInvalidDraft(t *testing.T) {
	reg := NewRegistry()
	w := validDraft("wf1")
	w.Nodes[0].IsEntry = false
	wv, issues, err := reg.Publish(context.Background(), "wf1", w, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
	assert.Empty(t, wv.ID)

	_, ok, err := reg.GetSnapshot(context.Background(), "wf1@1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishAssignsIncrementingVersionNumbers(t *testing.T) {
	reg := NewRegistry()
	wv1, issues, err := reg.Publish(context.Background(), "wf1", validDraft("wf1"), time.Now())
	require.NoError(t, err)
	require.Empty(t, issues)
	assert.Equal(t, "wf1@1", wv1.ID)
	assert.Equal(t, 1, wv1.Version)
	assert.Equal(t, Published, wv1.Status)

	wv2, issues, err := reg.Publish(context.Background(), "wf1", validDraft("wf1"), time.Now())
	require.NoError(t, err)
	require.Empty(t, issues)
	assert.Equal(t, "wf1@2", wv2.ID)
	assert.Equal(t, 2, wv2.Version)

	latestID, ok, err := reg.LatestPublishedVersion(context.Background(), "wf1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wf1@2", latestID)

	snap1, ok, err := reg.GetSnapshot(context.Background(), "wf1@1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wf1@1", snap1.WorkflowVersionID, "the earlier version's snapshot is still resolvable: running flows stay bound to it (Invariant F1)")
}

type fakeFlowLister struct {
	byGroupAndWorkflow map[string][]truth.Flow
}

func (f *fakeFlowLister) FlowsInGroupByWorkflow(ctx context.Context, flowGroupID, workflowID string) ([]truth.Flow, error) {
	return f.byGroupAndWorkflow[flowGroupID+"\x00"+workflowID], nil
}

func TestAnalyzePublishImpactNothingPublishedYet(t *testing.T) {
	reg := NewRegistry()
	changes, err := reg.AnalyzePublishImpact(context.Background(), &fakeFlowLister{}, "wf1", validDraft("wf1"), nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestAnalyzePublishImpactDetectsRemovedNodeAndClassifiesSeverity(t *testing.T) {
	reg := NewRegistry()
	wv, _, err := reg.Publish(context.Background(), "wf1", validDraft("wf1"), time.Now())
	require.NoError(t, err)

	newDraft := validDraft("wf1")
	newDraft.Nodes = newDraft.Nodes[:1] // drop node B
	newDraft.Gates = []snapshot.Gate{{ID: "g1", SourceNodeID: "A", OutcomeName: "DONE"}}

	lister := &fakeFlowLister{byGroupAndWorkflow: map[string][]truth.Flow{
		"fg1\x00" + wv.ID: {{ID: "flow-active", Status: truth.FlowActive}},
	}}
	changes, err := reg.AnalyzePublishImpact(context.Background(), lister, "wf1", newDraft, []string{"fg1"})
	require.NoError(t, err)
	require.NotEmpty(t, changes)

	var nodeDeleted *BreakingChange
	for i := range changes {
		if changes[i].Kind == "NODE_DELETED" {
			nodeDeleted = &changes[i]
		}
	}
	require.NotNil(t, nodeDeleted)
	assert.Equal(t, "B", nodeDeleted.NodeID)
	assert.Equal(t, SeverityAffectsActive, nodeDeleted.Severity)
	assert.Equal(t, 1, nodeDeleted.FlowCount)
}

func TestAnalyzePublishImpactUnusedWhenNoFlowsReference(t *testing.T) {
	reg := NewRegistry()
	wv, _, err := reg.Publish(context.Background(), "wf1", validDraft("wf1"), time.Now())
	require.NoError(t, err)
	_ = wv

	newDraft := validDraft("wf1")
	newDraft.Nodes = newDraft.Nodes[:1]
	newDraft.Gates = []snapshot.Gate{{ID: "g1", SourceNodeID: "A", OutcomeName: "DONE"}}

	changes, err := reg.AnalyzePublishImpact(context.Background(), &fakeFlowLister{}, "wf1", newDraft, []string{"fg1"})
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, SeverityUnused, changes[0].Severity)
	assert.Equal(t, 0, changes[0].FlowCount)
}

func TestAnalyzePublishImpactHistoryOnlyWhenFlowsCompleted(t *testing.T) {
	reg := NewRegistry()
	wv, _, err := reg.Publish(context.Background(), "wf1", validDraft("wf1"), time.Now())
	require.NoError(t, err)

	newDraft := validDraft("wf1")
	newDraft.Nodes = newDraft.Nodes[:1]
	newDraft.Gates = []snapshot.Gate{{ID: "g1", SourceNodeID: "A", OutcomeName: "DONE"}}

	lister := &fakeFlowLister{byGroupAndWorkflow: map[string][]truth.Flow{
		"fg1\x00" + wv.ID: {{ID: "flow-done", Status: truth.FlowCompleted}},
	}}
	changes, err := reg.AnalyzePublishImpact(context.Background(), lister, "wf1", newDraft, []string{"fg1"})
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, SeverityAffectsHistory, changes[0].Severity)
}
