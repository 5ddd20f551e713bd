package truth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation, grounded on the
// teacher's MemStore[S] (graph/store/memory.go): plain maps behind one
// mutex, safe for concurrent use, data lost on process exit. It is the
// engine's default test harness (SPEC_FULL.md §10.4) and is fine to embed
// directly in single-process callers that don't need durability.
type MemoryStore struct {
	mu sync.Mutex

	flowGroups      map[string]FlowGroup
	flowGroupByKey  map[string]string // "companyId/scopeType/scopeId" -> flowGroupID
	flows           map[string]Flow
	activations     map[string][]NodeActivation // flowID -> activations
	executions      map[string][]TaskExecution  // flowID -> executions
	evidence        map[string][]EvidenceAttachment
	evidenceByKey   map[string]string // idempotencyKey -> evidenceID
	validity        map[string][]ValidityEvent // taskExecutionID -> events
	detours         map[string][]DetourRecord  // flowID -> detours
	fanOutFailures  []FanOutFailure
	hooks           []Hook

	flowLocks map[string]*sync.Mutex
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flowGroups:     make(map[string]FlowGroup),
		flowGroupByKey: make(map[string]string),
		flows:          make(map[string]Flow),
		activations:    make(map[string][]NodeActivation),
		executions:     make(map[string][]TaskExecution),
		evidence:       make(map[string][]EvidenceAttachment),
		evidenceByKey:  make(map[string]string),
		validity:       make(map[string][]ValidityEvent),
		detours:        make(map[string][]DetourRecord),
		flowLocks:      make(map[string]*sync.Mutex),
	}
}

// memTx holds the per-Flow lock for the duration of one transaction. Commit
// and Rollback behave identically for MemoryStore: writes already landed in
// the shared maps synchronously, so this Tx only exists to serialize
// concurrent callers on the same Flow, matching spec.md §5's row-lock model.
type memTx struct {
	flowID string
	lock   *sync.Mutex
	done   bool
}

func (t *memTx) Commit() error   { t.unlock(); return nil }
func (t *memTx) Rollback() error { t.unlock(); return nil }
func (t *memTx) unlock() {
	if !t.done {
		t.done = true
		t.lock.Unlock()
	}
}

// Begin acquires flowID's per-Flow lock, blocking until any concurrent
// transaction against the same Flow releases it.
func (s *MemoryStore) Begin(ctx context.Context, flowID string) (Tx, error) {
	s.mu.Lock()
	lock, ok := s.flowLocks[flowID]
	if !ok {
		lock = &sync.Mutex{}
		s.flowLocks[flowID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return &memTx{flowID: flowID, lock: lock}, nil
}

func groupKey(companyID, scopeType, scopeID string) string {
	return companyID + "/" + scopeType + "/" + scopeID
}

func (s *MemoryStore) CreateFlowGroup(ctx context.Context, tx Tx, g FlowGroup) (FlowGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(g.CompanyID, g.ScopeType, g.ScopeID)
	if id, ok := s.flowGroupByKey[key]; ok {
		return s.flowGroups[id], nil // duplicate policy C1 analog: idempotent on unique scope
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	s.flowGroups[g.ID] = g
	s.flowGroupByKey[key] = g.ID
	return g, nil
}

func (s *MemoryStore) FlowGroupByScope(ctx context.Context, companyID, scopeType, scopeID string) (FlowGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.flowGroupByKey[groupKey(companyID, scopeType, scopeID)]
	if !ok {
		return FlowGroup{}, false, nil
	}
	return s.flowGroups[id], true, nil
}

func (s *MemoryStore) FlowGroupByID(ctx context.Context, id string) (FlowGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.flowGroups[id]
	return g, ok, nil
}

func (s *MemoryStore) CreateFlow(ctx context.Context, tx Tx, f Flow) (Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FlowActive
	}
	s.flows[f.ID] = f
	return f, nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, tx Tx, flowID string) (Flow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	return f, ok, nil
}

func (s *MemoryStore) UpdateFlowStatus(ctx context.Context, tx Tx, flowID string, status FlowStatus, now *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	if status == FlowCompleted && now != nil {
		t := *now
		f.CompletedAt = &t
	}
	s.flows[flowID] = f
	return nil
}

func (s *MemoryStore) FlowsInGroupByWorkflow(ctx context.Context, flowGroupID, workflowID string) ([]Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Flow
	for _, f := range s.flows {
		if f.FlowGroupID == flowGroupID && f.WorkflowVersionID == workflowID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) FlowsInGroup(ctx context.Context, flowGroupID string) ([]Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Flow
	for _, f := range s.flows {
		if f.FlowGroupID == flowGroupID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadTruth(ctx context.Context, tx Tx, flowID string) (Truth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Truth{
		NodeActivations: append([]NodeActivation(nil), s.activations[flowID]...),
		TaskExecutions:  append([]TaskExecution(nil), s.executions[flowID]...),
		Evidence:        append([]EvidenceAttachment(nil), s.evidence[flowID]...),
		Detours:         append([]DetourRecord(nil), s.detours[flowID]...),
	}
	for _, e := range t.TaskExecutions {
		t.ValidityEvents = append(t.ValidityEvents, s.validity[e.ID]...)
	}
	return t, nil
}

func (s *MemoryStore) RecordNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string, iteration int, now time.Time) (NodeActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := NodeActivation{ID: uuid.NewString(), FlowID: flowID, NodeID: nodeID, Iteration: iteration, ActivatedAt: now}
	s.activations[flowID] = append(s.activations[flowID], a)
	return a, nil
}

func (s *MemoryStore) LatestNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string) (NodeActivation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best NodeActivation
	found := false
	for _, a := range s.activations[flowID] {
		if a.NodeID != nodeID {
			continue
		}
		if !found || a.Iteration > best.Iteration {
			best, found = a, true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) RecordTaskStart(ctx context.Context, tx Tx, flowID, taskID, userID, nodeActivationID string, iteration int, now time.Time) (TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := TaskExecution{ID: uuid.NewString(), FlowID: flowID, TaskID: taskID, Iteration: iteration, StartedAt: now, StartedBy: userID}
	s.executions[flowID] = append(s.executions[flowID], e)
	return e, nil
}

func (s *MemoryStore) LatestExecution(ctx context.Context, tx Tx, flowID, taskID string, iteration int) (TaskExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []TaskExecution
	for _, e := range s.executions[flowID] {
		if e.TaskID == taskID && e.Iteration == iteration {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return TaskExecution{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].StartedAt.Equal(candidates[j].StartedAt) {
			return candidates[i].StartedAt.After(candidates[j].StartedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	return candidates[0], true, nil
}

func (s *MemoryStore) ExecutionByID(ctx context.Context, tx Tx, id string) (TaskExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.executions {
		for _, e := range list {
			if e.ID == id {
				return e, true, nil
			}
		}
	}
	return TaskExecution{}, false, nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, tx Tx, taskExecutionID, outcome, userID string, now time.Time) (TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for flowID, list := range s.executions {
		for i, e := range list {
			if e.ID != taskExecutionID {
				continue
			}
			if e.Outcome != nil {
				return TaskExecution{}, &alreadyRecordedError{}
			}
			o := outcome
			t := now
			by := userID
			e.Outcome, e.OutcomeAt, e.OutcomeBy = &o, &t, &by
			s.executions[flowID][i] = e
			return e, nil
		}
	}
	return TaskExecution{}, ErrNotFound
}

// alreadyRecordedError is a sentinel the engine package recognizes and maps
// to flowerr.OutcomeAlreadyRecorded, keeping package truth free of an import
// on package flowerr (Truth Store has no opinion on the caller-facing error
// envelope).
type alreadyRecordedError struct{}

func (*alreadyRecordedError) Error() string { return "truth: outcome already recorded" }

// IsAlreadyRecorded reports whether err originated from a RecordOutcome call
// against an already-stamped execution.
func IsAlreadyRecorded(err error) bool {
	_, ok := err.(*alreadyRecordedError)
	return ok
}

func (s *MemoryStore) BindResolvedDetour(ctx context.Context, tx Tx, taskExecutionID, detourID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for flowID, list := range s.executions {
		for i, e := range list {
			if e.ID == taskExecutionID {
				d := detourID
				e.ResolvedDetourID = &d
				s.executions[flowID][i] = e
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) AttachEvidence(ctx context.Context, tx Tx, att EvidenceAttachment) (EvidenceAttachment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if att.IdempotencyKey != nil {
		if id, ok := s.evidenceByKey[*att.IdempotencyKey]; ok {
			for _, a := range s.evidence[att.FlowID] {
				if a.ID == id {
					return a, true, nil
				}
			}
		}
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	s.evidence[att.FlowID] = append(s.evidence[att.FlowID], att)
	if att.IdempotencyKey != nil {
		s.evidenceByKey[*att.IdempotencyKey] = att.ID
	}
	return att, false, nil
}

func (s *MemoryStore) EvidenceForTask(ctx context.Context, tx Tx, flowID, taskID string) ([]EvidenceAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EvidenceAttachment
	for _, a := range s.evidence[flowID] {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordValidityEvent(ctx context.Context, tx Tx, ev ValidityEvent) (ValidityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.validity[ev.TaskExecutionID] = append(s.validity[ev.TaskExecutionID], ev)
	return ev, nil
}

func (s *MemoryStore) OpenDetour(ctx context.Context, tx Tx, d DetourRecord) (DetourRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DetourActive
	}
	s.detours[d.FlowID] = append(s.detours[d.FlowID], d)
	return d, nil
}

func (s *MemoryStore) ActiveDetourForFlow(ctx context.Context, tx Tx, flowID string) (DetourRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.detours[flowID] {
		if d.Status == DetourActive {
			return d, true, nil
		}
	}
	return DetourRecord{}, false, nil
}

func (s *MemoryStore) DetourByID(ctx context.Context, tx Tx, id string) (DetourRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.detours {
		for _, d := range list {
			if d.ID == id {
				return d, true, nil
			}
		}
	}
	return DetourRecord{}, false, nil
}

func (s *MemoryStore) CountDetoursAtCheckpoint(ctx context.Context, tx Tx, flowID, checkpointNodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.detours[flowID] {
		if d.CheckpointNodeID == checkpointNodeID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateDetourStatus(ctx context.Context, tx Tx, id string, status DetourStatus, now time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for flowID, list := range s.detours {
		for i, d := range list {
			if d.ID != id {
				continue
			}
			d.Status = status
			switch status {
			case DetourResolved:
				d.ResolvedAt, d.ResolvedBy = &now, &by
			case DetourConverted:
				d.ConvertedAt, d.ConvertedBy = &now, &by
			}
			s.detours[flowID][i] = d
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) EscalateDetour(ctx context.Context, tx Tx, id string, now time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for flowID, list := range s.detours {
		for i, d := range list {
			if d.ID != id {
				continue
			}
			d.Type = Blocking
			d.EscalatedAt, d.EscalatedBy = &now, &by
			s.detours[flowID][i] = d
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) RecordFanOutFailure(ctx context.Context, tx Tx, f FanOutFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	s.fanOutFailures = append(s.fanOutFailures, f)
	return nil
}

func (s *MemoryStore) GroupOutcomes(ctx context.Context, flowGroupID string) ([]GroupOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GroupOutcome
	for _, f := range s.flows {
		if f.FlowGroupID != flowGroupID {
			continue
		}
		for _, e := range s.executions[f.ID] {
			if e.Outcome == nil {
				continue
			}
			out = append(out, GroupOutcome{FlowID: f.ID, WorkflowID: f.WorkflowVersionID, TaskID: e.TaskID, Outcome: *e.Outcome})
		}
	}
	return out, nil
}

func (s *MemoryStore) EnqueueHook(ctx context.Context, tx Tx, h Hook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	s.hooks = append(s.hooks, h)
	return nil
}

func (s *MemoryStore) PendingHooks(ctx context.Context, limit int) ([]Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.hooks) {
		limit = len(s.hooks)
	}
	out := make([]Hook, limit)
	copy(out, s.hooks[:limit])
	return out, nil
}

func (s *MemoryStore) MarkHooksDelivered(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	toRemove := make(map[string]bool, len(ids))
	for _, id := range ids {
		toRemove[id] = true
	}
	remaining := s.hooks[:0]
	for _, h := range s.hooks {
		if !toRemove[h.ID] {
			remaining = append(remaining, h)
		}
	}
	s.hooks = remaining
	return nil
}
