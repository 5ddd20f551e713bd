package coordinator

import (
	"context"

	"github.com/flowspec/engine/engine"
	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
	"github.com/flowspec/engine/truth"
)

// saleDetails is the Sale-Details evidence shape the SALE_CLOSED special
// rule expects on the task that recorded the outcome: a STRUCTURED
// attachment whose content carries at least customerId.
type saleDetails struct {
	CustomerID string
}

// runSaleClosed implements spec.md §4.6's special rule: load the structured
// Sale-Details evidence from the outcome-recording task, load the group's
// Anchor Identity, verify customerId match, create a Job if missing, then
// iterate the deterministic downstream bundle.
func (c *Coordinator) runSaleClosed(ctx context.Context, intent engine.FanOutIntent, flow truth.Flow, snap snapshot.Snapshot) error {
	saleTaskID, ok := c.findRecordingTask(snap, intent.SourceNodeID, intent.TriggerOutcome)
	if !ok {
		flowerr.Bug("runSaleClosed: no task at node " + intent.SourceNodeID + " declares outcome " + intent.TriggerOutcome)
	}

	details, err := c.loadSaleDetails(ctx, intent.FlowID, saleTaskID)
	if err != nil {
		return err
	}

	group, ok, err := c.store.FlowGroupByID(ctx, intent.FlowGroupID)
	if err != nil {
		return err
	}
	if !ok {
		return flowerr.Newf(flowerr.ScopeMismatch, "flow group %s not found", intent.FlowGroupID)
	}

	anchor, err := c.loadAnchorIdentity(ctx, group)
	if err != nil {
		return err
	}
	if anchor.CustomerID != details.CustomerID {
		return flowerr.Newf(flowerr.CustomerMismatch, "sale customerId %q does not match anchor customerId %q", details.CustomerID, anchor.CustomerID)
	}

	if c.jobs != nil {
		if _, _, err := c.jobs.CreateIfMissing(ctx, group.CompanyID, details.CustomerID, group.ID); err != nil {
			return err
		}
	}

	for _, workflowID := range c.bundle {
		if err := c.dispatchRule(ctx, intent, workflowID); err != nil {
			return err
		}
	}
	return nil
}

// findRecordingTask locates the task at nodeID that declares outcomeName —
// the task whose execution produced the triggering outcome.
func (c *Coordinator) findRecordingTask(snap snapshot.Snapshot, nodeID, outcomeName string) (taskID string, ok bool) {
	node, ok := snap.Workflow.NodeByID(nodeID)
	if !ok {
		return "", false
	}
	for _, t := range node.Tasks {
		if _, has := t.OutcomeByName(outcomeName); has {
			return t.ID, true
		}
	}
	return "", false
}

// loadSaleDetails reads the STRUCTURED evidence attached to saleTaskID's
// execution within flowID and extracts customerId.
func (c *Coordinator) loadSaleDetails(ctx context.Context, flowID, taskID string) (saleDetails, error) {
	atts, err := c.store.EvidenceForTask(ctx, nil, flowID, taskID)
	if err != nil {
		return saleDetails{}, err
	}
	for _, att := range atts {
		if att.Type != truth.EvidenceStructured {
			continue
		}
		m, ok := att.Data.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(map[string]any)
		if cust, ok := content["customerId"].(string); ok && cust != "" {
			return saleDetails{CustomerID: cust}, nil
		}
	}
	return saleDetails{}, flowerr.Newf(flowerr.InvalidEvidenceFormat, "no structured Sale-Details evidence with a customerId found on task %s", taskID)
}
