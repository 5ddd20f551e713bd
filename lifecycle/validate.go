package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowspec/engine/evidenceschema"
	"github.com/flowspec/engine/snapshot"
)

// Category is the closed set of validation categories from spec.md §4.7.
type Category string

const (
	CategoryStructural    Category = "STRUCTURAL"
	CategoryOutcomesGates Category = "OUTCOMES_GATES"
	CategoryEvidence      Category = "EVIDENCE"
	CategorySemantic      Category = "SEMANTIC"
	CategoryCrossFlow     Category = "CROSS_FLOW"
	CategoryFanOut        Category = "FAN_OUT"
)

// Issue is one validation failure, carrying enough context for a caller (the
// UI this spec excludes) to point at the offending element.
type Issue struct {
	Category Category
	NodeID   string
	TaskID   string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Category, i.Message)
}

// runValidation applies every category in spec.md §4.7 order. registry may
// be nil when validating a workflow with no cross-flow or fan-out
// references; any such reference against a nil registry is reported as a
// failure rather than silently skipped.
func runValidation(w snapshot.Workflow, registry *Registry) []Issue {
	var issues []Issue
	issues = append(issues, validateStructural(w)...)
	issues = append(issues, validateOutcomesGates(w)...)
	issues = append(issues, validateEvidence(w)...)
	issues = append(issues, validateSemantic(w)...)
	issues = append(issues, validateCrossFlow(w, registry)...)
	issues = append(issues, validateFanOut(w, registry)...)
	return sortIssues(issues)
}

// validateStructural checks: >=1 entry node; every node reachable from some
// entry; a terminal path exists unless IsNonTerminating; tasks correctly
// parented (no dangling SpecificTasks references belong here structurally,
// handled instead under Semantic per spec.md's own split).
func validateStructural(w snapshot.Workflow) []Issue {
	var issues []Issue

	entries := w.EntryNodes()
	if len(entries) == 0 {
		issues = append(issues, Issue{Category: CategoryStructural, Message: "workflow has no entry node"})
		return issues // nothing downstream can be checked meaningfully without one
	}

	reachable := map[string]bool{}
	adj := map[string][]string{}
	for _, g := range w.Gates {
		if !g.Terminal() {
			adj[g.SourceNodeID] = append(adj[g.SourceNodeID], g.TargetNodeID)
		}
	}
	var queue []string
	for _, n := range entries {
		if !reachable[n.ID] {
			reachable[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range w.Nodes {
		if !reachable[n.ID] {
			issues = append(issues, Issue{Category: CategoryStructural, NodeID: n.ID, Message: fmt.Sprintf("node %s is not reachable from any entry node", n.ID)})
		}
	}

	if !w.IsNonTerminating {
		hasTerminal := false
		for _, g := range w.Gates {
			if g.Terminal() {
				hasTerminal = true
				break
			}
		}
		if !hasTerminal {
			issues = append(issues, Issue{Category: CategoryStructural, Message: "workflow declares no terminal path and is not marked isNonTerminating"})
		}
	}

	return issues
}

// validateOutcomesGates enforces: every task has >=1 outcome; every outcome
// has exactly one gate (Invariant G2, plus the uniqueness half of Invariant
// G1 re-checked here at the draft level since the draft may not yet be a
// Snapshot); gate targets exist.
func validateOutcomesGates(w snapshot.Workflow) []Issue {
	var issues []Issue

	gateCount := map[string]int{} // "nodeId\x00outcomeName" -> count
	for _, g := range w.Gates {
		key := g.SourceNodeID + "\x00" + g.OutcomeName
		gateCount[key]++
		if g.TargetNodeID != "" {
			if _, ok := w.NodeByID(g.TargetNodeID); !ok {
				issues = append(issues, Issue{Category: CategoryOutcomesGates, NodeID: g.SourceNodeID, Message: fmt.Sprintf("gate %s targets unknown node %s", g.ID, g.TargetNodeID)})
			}
		}
	}
	for key, n := range gateCount {
		if n > 1 {
			parts := strings.SplitN(key, "\x00", 2)
			issues = append(issues, Issue{Category: CategoryOutcomesGates, NodeID: parts[0], Message: fmt.Sprintf("more than one gate declared for (node=%s, outcome=%s)", parts[0], parts[1])})
		}
	}

	for _, n := range w.Nodes {
		for _, t := range n.Tasks {
			if len(t.Outcomes) == 0 {
				issues = append(issues, Issue{Category: CategoryOutcomesGates, NodeID: n.ID, TaskID: t.ID, Message: fmt.Sprintf("task %s declares no outcomes", t.ID)})
				continue
			}
			for _, o := range t.Outcomes {
				if gateCount[n.ID+"\x00"+o.Name] == 0 {
					issues = append(issues, Issue{Category: CategoryOutcomesGates, NodeID: n.ID, TaskID: t.ID, Message: fmt.Sprintf("outcome %q of task %s at node %s has no gate", o.Name, t.ID, n.ID)})
				}
			}
		}
	}
	return issues
}

// validateEvidence checks that EvidenceRequired tasks carry a well-formed
// EvidenceSchema (package evidenceschema's ValidateSchemaShape).
func validateEvidence(w snapshot.Workflow) []Issue {
	var issues []Issue
	for _, n := range w.Nodes {
		for _, t := range n.Tasks {
			if !t.EvidenceRequired {
				continue
			}
			if err := evidenceschema.ValidateSchemaShape(t.EvidenceSchema); err != nil {
				issues = append(issues, Issue{Category: CategoryEvidence, NodeID: n.ID, TaskID: t.ID, Message: err.Error()})
			}
		}
	}
	return issues
}

// validateSemantic checks SPECIFIC_TASKS_DONE nodes reference existing task
// ids within the same node.
func validateSemantic(w snapshot.Workflow) []Issue {
	var issues []Issue
	for _, n := range w.Nodes {
		if n.CompletionRule != snapshot.SpecificTasksDone {
			continue
		}
		for _, id := range n.SpecificTasks {
			if _, ok := n.TaskByID(id); !ok {
				issues = append(issues, Issue{Category: CategorySemantic, NodeID: n.ID, Message: fmt.Sprintf("specificTasks references unknown task %s", id)})
			}
		}
	}
	return issues
}

// validateCrossFlow checks: referenced source workflow exists and is
// PUBLISHED (or a same-version draft); path format "nodeId.taskId"; the
// outcome exists; no self-task loops (a task depending on its own outcome).
func validateCrossFlow(w snapshot.Workflow, registry *Registry) []Issue {
	var issues []Issue
	for _, n := range w.Nodes {
		for _, t := range n.Tasks {
			for _, dep := range t.CrossFlowDependencies {
				parts := strings.SplitN(dep.SourceTaskPath, ".", 2)
				if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
					issues = append(issues, Issue{Category: CategoryCrossFlow, NodeID: n.ID, TaskID: t.ID, Message: fmt.Sprintf("sourceTaskPath %q is not of the form nodeId.taskId", dep.SourceTaskPath)})
					continue
				}
				sourceNodeID, sourceTaskID := parts[0], parts[1]

				if dep.SourceWorkflowID == w.ID && sourceNodeID == n.ID && sourceTaskID == t.ID {
					issues = append(issues, Issue{Category: CategoryCrossFlow, NodeID: n.ID, TaskID: t.ID, Message: "cross-flow dependency references its own task (self-task loop)"})
					continue
				}

				published, sameDraft := registry.workflowExists(dep.SourceWorkflowID)
				if dep.SourceWorkflowID == w.ID {
					sameDraft = true // a same-workflow reference is inherently a same-version draft reference
				}
				if !published && !sameDraft {
					issues = append(issues, Issue{Category: CategoryCrossFlow, NodeID: n.ID, TaskID: t.ID, Message: fmt.Sprintf("source workflow %s does not exist or is not published", dep.SourceWorkflowID)})
					continue
				}
				if published && dep.SourceWorkflowID != w.ID {
					if !registry.sourceTaskExists(dep.SourceWorkflowID, sourceTaskID, dep.RequiredOutcome) {
						issues = append(issues, Issue{Category: CategoryCrossFlow, NodeID: n.ID, TaskID: t.ID, Message: fmt.Sprintf("source workflow %s has no task %s with outcome %q", dep.SourceWorkflowID, sourceTaskID, dep.RequiredOutcome)})
					}
				}
			}
		}
	}
	return issues
}

// validateFanOut checks: target exists PUBLISHED; trigger outcome exists on
// the source node; no self-fan-out (a workflow fanning out to itself).
func validateFanOut(w snapshot.Workflow, registry *Registry) []Issue {
	var issues []Issue
	for _, rule := range w.FanOutRules {
		if rule.TargetWorkflowID == w.ID {
			issues = append(issues, Issue{Category: CategoryFanOut, NodeID: rule.SourceNodeID, Message: fmt.Sprintf("fan-out rule targets its own workflow %s (self-fan-out)", w.ID)})
			continue
		}
		node, ok := w.NodeByID(rule.SourceNodeID)
		if !ok {
			issues = append(issues, Issue{Category: CategoryFanOut, NodeID: rule.SourceNodeID, Message: fmt.Sprintf("fan-out rule references unknown source node %s", rule.SourceNodeID)})
			continue
		}
		found := false
		for _, t := range node.Tasks {
			if _, ok := t.OutcomeByName(rule.TriggerOutcome); ok {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, Issue{Category: CategoryFanOut, NodeID: rule.SourceNodeID, Message: fmt.Sprintf("trigger outcome %q does not exist on any task of node %s", rule.TriggerOutcome, rule.SourceNodeID)})
		}
		published, _ := registry.workflowExists(rule.TargetWorkflowID)
		if !published {
			issues = append(issues, Issue{Category: CategoryFanOut, NodeID: rule.SourceNodeID, Message: fmt.Sprintf("fan-out target workflow %s is not published", rule.TargetWorkflowID)})
		}
	}
	return issues
}

// sortIssues orders issues deterministically for stable test assertions and
// stable caller-facing output (Invariant T3's spirit extended to validation
// reporting, even though Validate is not itself part of Derived State).
func sortIssues(issues []Issue) []Issue {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Category != issues[j].Category {
			return issues[i].Category < issues[j].Category
		}
		if issues[i].NodeID != issues[j].NodeID {
			return issues[i].NodeID < issues[j].NodeID
		}
		return issues[i].Message < issues[j].Message
	})
	return issues
}
