// Package derive implements the engine's pure Derived-State functions
// (spec.md §4.3): validity folding, the blocked-node set, node/task/flow
// completion predicates, actionable-task enumeration, gate evaluation, and
// the refusal explainer. Every function here takes a Snapshot plus Truth and
// returns a value — no I/O, no mutation, and (Invariant T3) identical inputs
// always yield identical output.
package derive

import (
	"sort"
	"strings"

	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// LatestActivation returns the most recent NodeActivation for nodeID, the
// node's "current iteration" everywhere else in this package refers to.
func LatestActivation(tr truth.Truth, nodeID string) (truth.NodeActivation, bool) {
	var best truth.NodeActivation
	found := false
	for _, a := range tr.NodeActivations {
		if a.NodeID != nodeID {
			continue
		}
		if !found || a.Iteration > best.Iteration {
			best, found = a, true
		}
	}
	return best, found
}

// ExecutionsFor returns every TaskExecution for (taskID, iteration), in no
// particular order.
func ExecutionsFor(tr truth.Truth, taskID string, iteration int) []truth.TaskExecution {
	var out []truth.TaskExecution
	for _, e := range tr.TaskExecutions {
		if e.TaskID == taskID && e.Iteration == iteration {
			out = append(out, e)
		}
	}
	return out
}

// LatestExecution returns the most recent execution for (taskID, iteration)
// ordered by (StartedAt desc, ID desc), the ordering spec.md §4.4 step 2
// names explicitly.
func LatestExecution(tr truth.Truth, taskID string, iteration int) (truth.TaskExecution, bool) {
	execs := ExecutionsFor(tr, taskID, iteration)
	if len(execs) == 0 {
		return truth.TaskExecution{}, false
	}
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].StartedAt.After(execs[j].StartedAt)
		}
		return execs[i].ID > execs[j].ID
	})
	return execs[0], true
}

// OpenExecution returns the open (outcome == nil) execution for
// (taskID, iteration), if one exists. At most one may exist per the data
// model's invariant.
func OpenExecution(tr truth.Truth, taskID string, iteration int) (truth.TaskExecution, bool) {
	for _, e := range ExecutionsFor(tr, taskID, iteration) {
		if e.Open() {
			return e, true
		}
	}
	return truth.TaskExecution{}, false
}

// ValidityMap folds every ValidityEvent to its latest state per
// TaskExecutionID, by (CreatedAt desc, ID desc). An execution absent from
// the map defaults to VALID.
func ValidityMap(tr truth.Truth) map[string]truth.ValidityState {
	latest := map[string]truth.ValidityEvent{}
	for _, ev := range tr.ValidityEvents {
		cur, ok := latest[ev.TaskExecutionID]
		if !ok || isLaterValidity(ev, cur) {
			latest[ev.TaskExecutionID] = ev
		}
	}
	out := make(map[string]truth.ValidityState, len(latest))
	for id, ev := range latest {
		out[id] = ev.State
	}
	return out
}

func isLaterValidity(a, b truth.ValidityEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ValidityOf returns the latest validity state of a TaskExecution, VALID by
// default.
func ValidityOf(validity map[string]truth.ValidityState, taskExecutionID string) truth.ValidityState {
	if s, ok := validity[taskExecutionID]; ok {
		return s
	}
	return truth.Valid
}

// BlockedNodeSet unions, over every ACTIVE BLOCKING DetourRecord on the
// Flow, {checkpointNodeId} ∪ transitiveSuccessors(checkpointNode). The
// checkpoint node itself is included here; TaskActionable applies the
// self-block exception (P5) on top of this set, not within it.
func BlockedNodeSet(snap snapshot.Snapshot, tr truth.Truth) map[string]bool {
	blocked := map[string]bool{}
	for _, d := range tr.Detours {
		if d.Status != truth.DetourActive || d.Type != truth.Blocking {
			continue
		}
		blocked[d.CheckpointNodeID] = true
		node, ok := snap.Workflow.NodeByID(d.CheckpointNodeID)
		if !ok {
			continue
		}
		for _, succ := range node.TransitiveSuccessors {
			blocked[succ] = true
		}
	}
	return blocked
}

// isCheckpointOfActiveDetour reports whether nodeID is the checkpoint of any
// currently ACTIVE detour on the flow — the P5 self-block exception.
func isCheckpointOfActiveDetour(tr truth.Truth, nodeID string) bool {
	for _, d := range tr.Detours {
		if d.Status == truth.DetourActive && d.CheckpointNodeID == nodeID {
			return true
		}
	}
	return false
}

// activeDetourOnExecution reports whether an ACTIVE detour's
// CheckpointTaskExecutionID references execID — the "re-open rules" clause
// of TaskActionable condition 3.
func activeDetourOnExecution(tr truth.Truth, execID string) bool {
	for _, d := range tr.Detours {
		if d.Status == truth.DetourActive && d.CheckpointTaskExecutionID == execID {
			return true
		}
	}
	return false
}

// taskOutcomeValid reports whether taskID has a VALID, outcome-stamped
// execution at the given iteration — the per-task predicate NodeComplete's
// completion rules are built from.
func taskOutcomeValid(tr truth.Truth, validity map[string]truth.ValidityState, taskID string, iteration int) bool {
	e, ok := LatestExecution(tr, taskID, iteration)
	if !ok || e.Outcome == nil {
		return false
	}
	return ValidityOf(validity, e.ID) == truth.Valid
}

// NodeComplete evaluates nodeID's CompletionRule against the VALID,
// outcome-stamped executions at the given iteration.
func NodeComplete(snap snapshot.Snapshot, tr truth.Truth, nodeID string, iteration int, validity map[string]truth.ValidityState) bool {
	node, ok := snap.Workflow.NodeByID(nodeID)
	if !ok {
		return false
	}
	switch node.CompletionRule {
	case snapshot.AnyTaskDone:
		for _, t := range node.Tasks {
			if taskOutcomeValid(tr, validity, t.ID, iteration) {
				return true
			}
		}
		return false
	case snapshot.SpecificTasksDone:
		list := node.SpecificTasks
		if len(list) == 0 {
			return allTasksValid(node, tr, validity, iteration)
		}
		for _, id := range list {
			if !taskOutcomeValid(tr, validity, id, iteration) {
				return false
			}
		}
		return true
	case snapshot.AllTasksDone:
		fallthrough
	default:
		return allTasksValid(node, tr, validity, iteration)
	}
}

func allTasksValid(node snapshot.Node, tr truth.Truth, validity map[string]truth.ValidityState, iteration int) bool {
	for _, t := range node.Tasks {
		if !taskOutcomeValid(tr, validity, t.ID, iteration) {
			return false
		}
	}
	return true
}

// crossFlowSatisfied reports whether dep is met by any outcome recorded
// anywhere in the FlowGroup. Per spec.md §9(c), matching compares only the
// suffix of SourceTaskPath after '.', a known preserved fragility.
func crossFlowSatisfied(dep snapshot.CrossFlowDependency, groupOutcomes []truth.GroupOutcome) bool {
	suffix := dep.SourceTaskPath
	if idx := strings.LastIndex(dep.SourceTaskPath, "."); idx >= 0 {
		suffix = dep.SourceTaskPath[idx+1:]
	}
	for _, go_ := range groupOutcomes {
		if go_.WorkflowID == dep.SourceWorkflowID && go_.TaskID == suffix && go_.Outcome == dep.RequiredOutcome {
			return true
		}
	}
	return false
}

// TaskActionable implements spec.md §4.3's six-condition actionability
// predicate.
func TaskActionable(snap snapshot.Snapshot, tr truth.Truth, groupOutcomes []truth.GroupOutcome, nodeID, taskID string) bool {
	node, ok := snap.Workflow.NodeByID(nodeID)
	if !ok {
		return false
	}
	task, ok := node.TaskByID(taskID)
	if !ok {
		return false
	}

	act, ok := LatestActivation(tr, nodeID) // condition 1
	if !ok {
		return false
	}
	iter := act.Iteration

	validity := ValidityMap(tr)
	if NodeComplete(snap, tr, nodeID, iter, validity) { // condition 2
		return false
	}

	exec, hasAny := LatestExecution(tr, taskID, iter) // condition 3
	if hasAny && !exec.Open() {
		state := ValidityOf(validity, exec.ID)
		if state != truth.Invalid && !activeDetourOnExecution(tr, exec.ID) {
			return false
		}
	}

	blocked := BlockedNodeSet(snap, tr) // condition 4
	if blocked[nodeID] && !isCheckpointOfActiveDetour(tr, nodeID) {
		return false
	}

	for _, g := range snap.Workflow.Gates { // condition 5 (join propagation)
		if g.TargetNodeID == nodeID && blocked[g.SourceNodeID] {
			return false
		}
	}

	for _, dep := range task.CrossFlowDependencies { // condition 6
		if !crossFlowSatisfied(dep, groupOutcomes) {
			return false
		}
	}

	return true
}

// ActionableTask is one row of ActionableTasks' canonical output.
type ActionableTask struct {
	FlowID    string
	NodeID    string
	TaskID    string
	Iteration int
}

// ActionableTasks enumerates every actionable task for a Flow, in the
// canonical sort (flowId asc, taskId asc, iteration asc) spec.md §4.3 and
// Testable Property P2 require.
func ActionableTasks(flowID string, snap snapshot.Snapshot, tr truth.Truth, groupOutcomes []truth.GroupOutcome) []ActionableTask {
	var out []ActionableTask
	for _, node := range snap.Workflow.Nodes {
		act, ok := LatestActivation(tr, node.ID)
		if !ok {
			continue
		}
		for _, task := range node.SortedTasks() {
			if TaskActionable(snap, tr, groupOutcomes, node.ID, task.ID) {
				out = append(out, ActionableTask{FlowID: flowID, NodeID: node.ID, TaskID: task.ID, Iteration: act.Iteration})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID != out[j].FlowID {
			return out[i].FlowID < out[j].FlowID
		}
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Iteration < out[j].Iteration
	})
	return out
}

// Route is one gate evaluation result for a completed node.
type Route struct {
	GateID       string
	OutcomeName  string
	TargetNodeID string // empty means terminal
	Terminal     bool
}

// EvaluateGates collects the unique set of VALID outcome names recorded at
// (nodeID, iteration) and resolves each to its gate. A missing gate here
// indicates a publish-validation bug (Invariant G2) and panics via
// flowerr.Bug rather than surfacing as a caller error.
func EvaluateGates(snap snapshot.Snapshot, tr truth.Truth, nodeID string, iteration int, validity map[string]truth.ValidityState) []Route {
	node, ok := snap.Workflow.NodeByID(nodeID)
	if !ok {
		flowerr.Bug("EvaluateGates: unknown node " + nodeID)
	}
	seen := map[string]bool{}
	var names []string
	for _, t := range node.Tasks {
		e, ok := LatestExecution(tr, t.ID, iteration)
		if !ok || e.Outcome == nil || ValidityOf(validity, e.ID) != truth.Valid {
			continue
		}
		if !seen[*e.Outcome] {
			seen[*e.Outcome] = true
			names = append(names, *e.Outcome)
		}
	}
	sort.Strings(names)

	out := make([]Route, 0, len(names))
	for _, name := range names {
		g, ok := snap.Workflow.GateFor(nodeID, name)
		if !ok {
			flowerr.Bug("EvaluateGates: no gate for (" + nodeID + ", " + name + "); publish validation should have caught this")
		}
		out = append(out, Route{GateID: g.ID, OutcomeName: name, TargetNodeID: g.TargetNodeID, Terminal: g.Terminal()})
	}
	return out
}

// FlowComplete implements spec.md §4.3: false while any detour is ACTIVE or
// the workflow IsNonTerminating; otherwise every activated node must be
// VALID-complete and every non-null gate leaving a VALID outcome must lead
// to an activated node.
func FlowComplete(snap snapshot.Snapshot, tr truth.Truth) bool {
	if snap.Workflow.IsNonTerminating {
		return false
	}
	for _, d := range tr.Detours {
		if d.Status == truth.DetourActive {
			return false
		}
	}

	activated := map[string]int{} // nodeID -> latest iteration
	for _, a := range tr.NodeActivations {
		if it, ok := activated[a.NodeID]; !ok || a.Iteration > it {
			activated[a.NodeID] = a.Iteration
		}
	}
	if len(activated) == 0 {
		return false
	}

	validity := ValidityMap(tr)
	for nodeID, iter := range activated {
		if !NodeComplete(snap, tr, nodeID, iter, validity) {
			return false
		}
		for _, route := range EvaluateGates(snap, tr, nodeID, iter, validity) {
			if route.Terminal {
				continue
			}
			if _, ok := activated[route.TargetNodeID]; !ok {
				return false
			}
		}
	}
	return true
}

// ReasonCode is one member of the closed explainer enum from spec.md §4.3.
type ReasonCode string

const (
	ReasonNodeNotActive          ReasonCode = "NODE_NOT_ACTIVE"
	ReasonNodeComplete           ReasonCode = "NODE_COMPLETE"
	ReasonOutcomeAlreadyRecorded ReasonCode = "OUTCOME_ALREADY_RECORDED"
	ReasonActiveBlockingDetour   ReasonCode = "ACTIVE_BLOCKING_DETOUR"
	ReasonJoinBlocked            ReasonCode = "JOIN_BLOCKED"
	ReasonCrossFlowDepMissing    ReasonCode = "CROSS_FLOW_DEP_MISSING"
)

// Explain breaks a refused TaskActionable(..., nodeID, taskID) == false
// result down into the single ReasonCode that caused it. It must only be
// called when TaskActionable has already returned false for the same
// arguments; calling it otherwise is a coverage gap (flowerr.Bug), per
// Testable Property P9.
func Explain(snap snapshot.Snapshot, tr truth.Truth, groupOutcomes []truth.GroupOutcome, nodeID, taskID string) ReasonCode {
	node, ok := snap.Workflow.NodeByID(nodeID)
	if !ok {
		flowerr.Bug("Explain: unknown node " + nodeID)
	}
	task, ok := node.TaskByID(taskID)
	if !ok {
		flowerr.Bug("Explain: unknown task " + taskID)
	}

	act, ok := LatestActivation(tr, nodeID)
	if !ok {
		return ReasonNodeNotActive
	}
	iter := act.Iteration

	validity := ValidityMap(tr)
	if NodeComplete(snap, tr, nodeID, iter, validity) {
		return ReasonNodeComplete
	}

	exec, hasAny := LatestExecution(tr, taskID, iter)
	if hasAny && !exec.Open() {
		state := ValidityOf(validity, exec.ID)
		if state != truth.Invalid && !activeDetourOnExecution(tr, exec.ID) {
			return ReasonOutcomeAlreadyRecorded
		}
	}

	blocked := BlockedNodeSet(snap, tr)
	if blocked[nodeID] && !isCheckpointOfActiveDetour(tr, nodeID) {
		return ReasonActiveBlockingDetour
	}

	for _, g := range snap.Workflow.Gates {
		if g.TargetNodeID == nodeID && blocked[g.SourceNodeID] {
			return ReasonJoinBlocked
		}
	}

	for _, dep := range task.CrossFlowDependencies {
		if !crossFlowSatisfied(dep, groupOutcomes) {
			return ReasonCrossFlowDepMissing
		}
	}

	flowerr.Bug("Explain: called for a task that is actually actionable")
	return "" // unreachable
}
