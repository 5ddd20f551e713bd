// Package lifecycle implements spec.md §4.7: the DRAFT → VALIDATED →
// PUBLISHED workflow lifecycle, snapshot creation at publish time, and
// publish-impact analysis. It owns the WorkflowVersion registry that
// package engine's SnapshotStore and package coordinator's VersionResolver
// both read from — the single place a WorkflowVersionID resolves to an
// immutable snapshot.Snapshot.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowspec/engine/flowerr"
	"github.com/flowspec/engine/snapshot"
)

// Status is the DRAFT → VALIDATED → PUBLISHED state machine from spec.md
// §4.7. Publication is one-way: there is no PUBLISHED → DRAFT transition: a
// new draft with an incremented Version supersedes it instead.
type Status string

const (
	Draft     Status = "DRAFT"
	Validated Status = "VALIDATED"
	Published Status = "PUBLISHED"
)

// WorkflowVersion is an immutable, published revision of a Workflow. Running
// Flows bind to one WorkflowVersion for their entire lifetime (Invariant F1);
// a later publish of the same WorkflowID never affects them.
type WorkflowVersion struct {
	ID          string
	WorkflowID  string
	Version     int
	Status      Status
	Snapshot    snapshot.Snapshot
	PublishedAt *time.Time
}

// Registry is the in-process store of WorkflowVersions, grounded on the
// teacher's in-memory registries (the same plain-map-behind-a-mutex shape as
// truth.MemoryStore): safe for concurrent reads from many Engine/Coordinator
// goroutines, a single mutex guarding writes at publish time (publishes are
// rare and operator-driven, never a progression-engine hot path).
type Registry struct {
	mu                         sync.RWMutex
	versions                   map[string]WorkflowVersion // versionID -> version
	latestPublishedByWorkflow  map[string]string          // workflowID -> versionID
	draftsByWorkflow           map[string]snapshot.Workflow
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		versions:                  make(map[string]WorkflowVersion),
		latestPublishedByWorkflow: make(map[string]string),
		draftsByWorkflow:          make(map[string]snapshot.Workflow),
	}
}

// GetSnapshot satisfies engine.SnapshotStore: resolve a WorkflowVersionID to
// its immutable Snapshot.
func (r *Registry) GetSnapshot(ctx context.Context, workflowVersionID string) (snapshot.Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[workflowVersionID]
	if !ok {
		return snapshot.Snapshot{}, false, nil
	}
	return v.Snapshot, true, nil
}

// LatestPublishedVersion satisfies coordinator.VersionResolver: resolve a
// (logical) WorkflowID to the WorkflowVersionID of its latest PUBLISHED
// revision, for fan-out target resolution (spec.md §4.6).
func (r *Registry) LatestPublishedVersion(ctx context.Context, workflowID string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.latestPublishedByWorkflow[workflowID]
	return id, ok, nil
}

// VersionByID returns the WorkflowVersion record itself (status included),
// for cross-flow and fan-out validation, which must distinguish PUBLISHED
// from same-version DRAFT references.
func (r *Registry) VersionByID(id string) (WorkflowVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[id]
	return v, ok
}

// PutDraft registers (or replaces) the in-progress draft for workflowID.
// Lifecycle is library-only (SPEC_FULL.md §12.4): the caller owns the draft
// buffer and visual layout storage this spec deliberately excludes; PutDraft
// is only the hand-off point into validation and publish.
func (r *Registry) PutDraft(workflowID string, draft snapshot.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draftsByWorkflow[workflowID] = draft
}

// Validate runs every category of spec.md §4.7 validation against draft and
// returns VALIDATED with no issues, or DRAFT with the full issue list.
// Publish refuses to run unless Validate first reports zero issues.
func Validate(draft snapshot.Workflow, registry *Registry) (Status, []Issue) {
	issues := runValidation(draft, registry)
	if len(issues) == 0 {
		return Validated, nil
	}
	return Draft, issues
}

// Publish validates draft, and on success builds its Snapshot (package
// snapshot's Build: deep-copy plus transitive-successor precomputation) and
// registers a new immutable WorkflowVersion at Version = (prior latest
// Version for this WorkflowID) + 1. A draft that fails validation is never
// published; Publish returns the issues instead.
func (r *Registry) Publish(ctx context.Context, workflowID string, draft snapshot.Workflow, now time.Time) (WorkflowVersion, []Issue, error) {
	status, issues := Validate(draft, r)
	if status != Validated {
		return WorkflowVersion{}, issues, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nextVersion := 1
	for _, v := range r.versions {
		if v.WorkflowID == workflowID && v.Version >= nextVersion {
			nextVersion = v.Version + 1
		}
	}
	draft.Version = nextVersion
	versionID := fmt.Sprintf("%s@%d", workflowID, nextVersion)

	snap := snapshot.Build(versionID, draft)
	wv := WorkflowVersion{
		ID:          versionID,
		WorkflowID:  workflowID,
		Version:     nextVersion,
		Status:      Published,
		Snapshot:    snap,
		PublishedAt: &now,
	}
	r.versions[versionID] = wv
	r.latestPublishedByWorkflow[workflowID] = versionID
	delete(r.draftsByWorkflow, workflowID)
	return wv, nil, nil
}

// workflowExists reports whether workflowID has been published at all (used
// by cross-flow and fan-out validation's "target exists PUBLISHED" checks),
// or has a same-version draft registered (the "(or same-version draft)"
// clause spec.md §4.7 allows for cross-flow references).
func (r *Registry) workflowExists(workflowID string) (published bool, sameVersionDraft bool) {
	if r == nil {
		return false, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, published = r.latestPublishedByWorkflow[workflowID]
	_, sameVersionDraft = r.draftsByWorkflow[workflowID]
	return published, sameVersionDraft
}

// sourceTaskExists reports whether workflowID's latest published snapshot
// declares taskID with outcome outcomeName, for cross-flow validation.
func (r *Registry) sourceTaskExists(workflowID, taskID, outcomeName string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	versionID, ok := r.latestPublishedByWorkflow[workflowID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	wv := r.versions[versionID]
	r.mu.RUnlock()

	for _, n := range wv.Snapshot.Workflow.Nodes {
		t, ok := n.TaskByID(taskID)
		if !ok {
			continue
		}
		_, ok = t.OutcomeByName(outcomeName)
		return ok
	}
	return false
}

// NotPublishedError is the standard error shape for a referenced workflow
// with no PUBLISHED version, shared by package coordinator's fan-out
// dispatch so both packages report NoPublishedVersion identically.
func NotPublishedError(workflowID string) error {
	return flowerr.Newf(flowerr.NoPublishedVersion, "workflow %s has no published version", workflowID)
}
