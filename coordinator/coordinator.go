// Package coordinator implements spec.md §4.6: the Fan-Out & Cross-Flow
// Coordinator. It runs strictly post-commit, dispatching FanOutIntents the
// Progression Engine collected during RecordOutcome (package engine) into
// new child Flows, and implements the SALE_CLOSED special rule
// (provisionJob). Cross-flow dependency reads are pure and live in package
// derive; this package is only the write side: creating flows, persisting
// failures, and blocking the triggering Flow on error.
package coordinator

import (
	"context"
	"fmt"

	"github.com/flowspec/engine/emit"
	"github.com/flowspec/engine/engine"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/lifecycle"
	"github.com/flowspec/engine/truth"
)

// VersionResolver resolves a logical WorkflowID to the WorkflowVersionID of
// its latest PUBLISHED revision. Satisfied by package lifecycle's Registry.
type VersionResolver interface {
	LatestPublishedVersion(ctx context.Context, workflowID string) (string, bool, error)
}

// FlowCreator instantiates a new Flow. Satisfied by engine.Engine.
type FlowCreator interface {
	CreateFlow(ctx context.Context, workflowVersionID, flowGroupID string) (truth.Flow, error)
}

// SnapshotSource resolves a Flow's bound WorkflowVersionID to its Snapshot,
// needed to read the FanOutRules declared at the triggering node. Satisfied
// by package lifecycle's Registry (the same interface engine.Engine takes).
type SnapshotSource = engine.SnapshotStore

// SaleClosedBundle is the deterministic set of downstream workflow ids the
// SALE_CLOSED special rule additionally instantiates once a Job has been
// provisioned, iterated in the given order (spec.md §4.6: "iterate a
// deterministic bundle of downstream workflow ids").
type SaleClosedBundle []string

// JobProvisioner is the external collaborator that owns Job storage choice
// (spec.md §1 explicitly places "persistence choice" out of engine scope).
// CreateIfMissing must be idempotent per (companyID, customerID, flowGroupID)
// the same way createFlow is idempotent per (flowGroup, workflowId).
type JobProvisioner interface {
	CreateIfMissing(ctx context.Context, companyID, customerID, flowGroupID string) (jobID string, created bool, err error)
}

// Coordinator dispatches post-commit fan-out and runs the SALE_CLOSED
// special rule. One Coordinator serves every Flow; it holds no per-Flow
// state, matching the engine's own statelessness between transactions.
type Coordinator struct {
	store     truth.Store
	snapshots SnapshotSource
	versions  VersionResolver
	flows     FlowCreator
	jobs      JobProvisioner
	bundle    SaleClosedBundle
	emitter   emit.Emitter
}

// Options configures a Coordinator. The zero value is valid except that
// Store, Snapshots, Versions, and Flows must be supplied by New's caller;
// Jobs and Bundle may be left nil/empty when the SALE_CLOSED special rule is
// not in use.
type Options struct {
	Jobs    JobProvisioner
	Bundle  SaleClosedBundle
	Emitter emit.Emitter
}

// New constructs a Coordinator.
func New(store truth.Store, snapshots SnapshotSource, versions VersionResolver, flows FlowCreator, opts Options) *Coordinator {
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	return &Coordinator{
		store:     store,
		snapshots: snapshots,
		versions:  versions,
		flows:     flows,
		jobs:      opts.Jobs,
		bundle:    opts.Bundle,
		emitter:   opts.Emitter,
	}
}

// saleClosedOutcome is the trigger outcome name the special rule in spec.md
// §4.6 names literally.
const saleClosedOutcome = "SALE_CLOSED"

// Dispatch runs spec.md §4.4 step 9 / §4.6 for one FanOutIntent: it must be
// called post-commit, after the triggering RecordOutcome transaction is
// durable. On any rule error, Dispatch persists a FanOutFailure, transitions
// the triggering Flow to BLOCKED, and stops processing further rules for
// this intent — it never rolls back the already-committed outcome.
func (c *Coordinator) Dispatch(ctx context.Context, intent engine.FanOutIntent) error {
	flow, ok, err := c.store.GetFlow(ctx, nil, intent.FlowID)
	if err != nil {
		return fmt.Errorf("coordinator: load flow %s: %w", intent.FlowID, err)
	}
	if !ok {
		return fmt.Errorf("coordinator: flow %s not found", intent.FlowID)
	}
	snap, ok, err := c.snapshots.GetSnapshot(ctx, flow.WorkflowVersionID)
	if err != nil {
		return err
	}
	if !ok {
		flowerr.Bug(fmt.Sprintf("coordinator: flow %s references unknown workflow version %s", intent.FlowID, flow.WorkflowVersionID))
	}

	for _, rule := range snap.Workflow.FanOutRules {
		if rule.SourceNodeID != intent.SourceNodeID || rule.TriggerOutcome != intent.TriggerOutcome {
			continue
		}
		if err := c.dispatchRule(ctx, intent, rule.TargetWorkflowID); err != nil {
			c.block(ctx, intent, rule.TargetWorkflowID, err)
			return err
		}
	}

	if intent.TriggerOutcome == saleClosedOutcome {
		if err := c.runSaleClosed(ctx, intent, flow, snap); err != nil {
			c.block(ctx, intent, "", err)
			return err
		}
	}

	return nil
}

// dispatchRule resolves the target workflow's latest PUBLISHED version and
// idempotently creates a child Flow (duplicate policy C1: skip if any Flow
// already exists in the group for that workflow).
func (c *Coordinator) dispatchRule(ctx context.Context, intent engine.FanOutIntent, targetWorkflowID string) error {
	versionID, ok, err := c.versions.LatestPublishedVersion(ctx, targetWorkflowID)
	if err != nil {
		return err
	}
	if !ok {
		return lifecycle.NotPublishedError(targetWorkflowID)
	}
	return c.createIfAbsent(ctx, intent.FlowGroupID, versionID)
}

// createIfAbsent implements duplicate policy C1: if any Flow already exists
// in the FlowGroup for workflowVersionID, this is an idempotent no-op.
func (c *Coordinator) createIfAbsent(ctx context.Context, flowGroupID, workflowVersionID string) error {
	existing, err := c.store.FlowsInGroupByWorkflow(ctx, flowGroupID, workflowVersionID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	flow, err := c.flows.CreateFlow(ctx, workflowVersionID, flowGroupID)
	if err != nil {
		return err
	}
	c.emitter.Emit(emit.Event{FlowID: flow.ID, Kind: truth.HookNodeActivated, Meta: map[string]any{"fanOutFrom": flowGroupID}})
	return nil
}

// block persists a FanOutFailure and transitions the triggering Flow to
// BLOCKED outside any transaction — the stamped outcome that triggered fan
// out is never rolled back (spec.md §4.4 step 9).
func (c *Coordinator) block(ctx context.Context, intent engine.FanOutIntent, targetWorkflowID string, cause error) {
	_ = c.store.RecordFanOutFailure(ctx, nil, truth.FanOutFailure{
		FlowID:           intent.FlowID,
		SourceNodeID:     intent.SourceNodeID,
		TriggerOutcome:   intent.TriggerOutcome,
		TargetWorkflowID: targetWorkflowID,
		Reason:           cause.Error(),
	})
	_ = c.store.UpdateFlowStatus(ctx, nil, intent.FlowID, truth.FlowBlocked, nil)
}

// anchorIdentity is the customerId extracted from a FlowGroup's anchor task
// evidence (SPEC_FULL.md §12.1).
type anchorIdentity struct {
	CustomerID string
}

// loadAnchorIdentity implements SPEC_FULL.md §12.1's LoadAnchorIdentity: it
// reads the STRUCTURED evidence attached to the execution of the FlowGroup's
// AnchorTaskPath task and extracts a customerId field.
func (c *Coordinator) loadAnchorIdentity(ctx context.Context, group truth.FlowGroup) (anchorIdentity, error) {
	if group.AnchorTaskPath == "" {
		return anchorIdentity{}, flowerr.New(flowerr.AnchorTaskMissing, "flow group has no anchor task path configured")
	}
	nodeID, taskID, ok := splitTaskPath(group.AnchorTaskPath)
	if !ok {
		return anchorIdentity{}, flowerr.Newf(flowerr.AnchorTaskMissing, "anchor task path %q is malformed", group.AnchorTaskPath)
	}
	_ = nodeID

	anchorFlows, err := c.store.FlowsInGroup(ctx, group.ID)
	if err != nil {
		return anchorIdentity{}, err
	}
	for _, f := range anchorFlows {
		atts, err := c.store.EvidenceForTask(ctx, nil, f.ID, taskID)
		if err != nil {
			return anchorIdentity{}, err
		}
		for _, att := range atts {
			if att.Type != truth.EvidenceStructured {
				continue
			}
			if m, ok := att.Data.(map[string]any); ok {
				content, _ := m["content"].(map[string]any)
				if cust, ok := content["customerId"].(string); ok && cust != "" {
					return anchorIdentity{CustomerID: cust}, nil
				}
			}
		}
	}
	return anchorIdentity{}, flowerr.Newf(flowerr.AnchorTaskMissing, "no structured evidence with a customerId found for anchor task %s", taskID)
}

// splitTaskPath splits a "nodeId.taskId" path, per spec.md §9(c)'s preserved
// suffix-matching behavior this shares with derive.crossFlowSatisfied.
func splitTaskPath(path string) (nodeID, taskID string, ok bool) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return "", "", false
}

