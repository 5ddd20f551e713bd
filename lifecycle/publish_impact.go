package lifecycle

import (
	"context"

	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// Severity classifies a breaking change between a draft and the latest
// published WorkflowVersion, per SPEC_FULL.md §12.3.
type Severity string

const (
	// SeverityUnused means zero flows reference the changed element.
	SeverityUnused Severity = "BREAKING_UNUSED"
	// SeverityAffectsActive means at least one ACTIVE or SUSPENDED flow
	// references the changed element.
	SeverityAffectsActive Severity = "BREAKING_AFFECTS_ACTIVE"
	// SeverityAffectsHistory means only COMPLETED/BLOCKED flows reference it.
	SeverityAffectsHistory Severity = "BREAKING_AFFECTS_HISTORY"
)

// BreakingChange is one element removed or renamed between the latest
// published version and a new draft, classified by how many (and what kind
// of) Flows it affects.
type BreakingChange struct {
	Kind       string // "OUTCOME_REMOVED" (removed or renamed), "NODE_DELETED"
	NodeID     string
	Detail     string
	Severity   Severity
	FlowCount  int
}

// FlowLister is the narrow slice of truth.Store publish-impact analysis
// needs: every Flow bound to a given WorkflowVersionID, to decide whether a
// breaking change is still reachable by a live flow.
type FlowLister interface {
	FlowsInGroupByWorkflow(ctx context.Context, flowGroupID, workflowID string) ([]truth.Flow, error)
}

// AnalyzePublishImpact is advisory and read-only (spec.md §4.7): it never
// blocks a publish, it only reports what a publish would break. It diffs the
// node and task-outcome shape (gates are not compared) of the latest published version of workflowID
// against draft and classifies each breaking change by the affected flows'
// status, found by scanning every FlowGroup the caller supplies (the engine
// has no global "all flows for a workflow" index by design — cross-flow
// effects are deliberately scoped to a FlowGroup, spec.md §4.6 — so the
// caller, which already enumerates FlowGroups for other reasons, supplies
// the groups to scan).
func (r *Registry) AnalyzePublishImpact(ctx context.Context, store FlowLister, workflowID string, draft snapshot.Workflow, flowGroupIDs []string) ([]BreakingChange, error) {
	r.mu.RLock()
	latestID, ok := r.latestPublishedByWorkflow[workflowID]
	if !ok {
		r.mu.RUnlock()
		return nil, nil // nothing published yet; nothing can break
	}
	published := r.versions[latestID]
	r.mu.RUnlock()

	var changes []BreakingChange
	for _, oldNode := range published.Snapshot.Workflow.Nodes {
		newNode, stillExists := draft.NodeByID(oldNode.ID)
		if !stillExists {
			changes = append(changes, BreakingChange{Kind: "NODE_DELETED", NodeID: oldNode.ID, Detail: "node removed"})
			continue
		}
		for _, oldTask := range oldNode.Tasks {
			newTask, taskStillExists := newNode.TaskByID(oldTask.ID)
			for _, oldOutcome := range oldTask.Outcomes {
				if !taskStillExists {
					changes = append(changes, BreakingChange{Kind: "OUTCOME_REMOVED", NodeID: oldNode.ID, Detail: "task " + oldTask.ID + " removed, taking outcome " + oldOutcome.Name + " with it"})
					continue
				}
				if _, stillThere := newTask.OutcomeByName(oldOutcome.Name); !stillThere {
					changes = append(changes, BreakingChange{Kind: "OUTCOME_REMOVED", NodeID: oldNode.ID, Detail: "task " + oldTask.ID + " outcome " + oldOutcome.Name + " removed or renamed"})
				}
			}
		}
	}

	for i, ch := range changes {
		total, activeSeen, historySeen := 0, false, false
		for _, fgID := range flowGroupIDs {
			flows, err := store.FlowsInGroupByWorkflow(ctx, fgID, published.ID)
			if err != nil {
				return nil, err
			}
			for _, f := range flows {
				total++
				if f.Status == truth.FlowActive || f.Status == truth.FlowSuspended {
					activeSeen = true
				} else {
					historySeen = true
				}
			}
		}
		switch {
		case total == 0:
			changes[i].Severity = SeverityUnused
		case activeSeen:
			changes[i].Severity = SeverityAffectsActive
		case historySeen:
			changes[i].Severity = SeverityAffectsHistory
		default:
			changes[i].Severity = SeverityUnused
		}
		changes[i].FlowCount = total
	}

	return changes, nil
}
