package truth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run identically whether or not it was handed a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore is the relational Store implementation shared by SQLiteStore and
// MySQLStore (SPEC_FULL.md §12.2: "two Truth Store backends, one schema").
// Grounded on the teacher's SQLiteStore[S]/MySQLStore[S]
// (graph/store/{sqlite,mysql}.go): a *sql.DB, a connection-pool
// configuration appropriate to the dialect, and CRUD methods written once
// against database/sql's querier interface so they need not be duplicated
// per backend.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" or "mysql"
}

// sqlTx wraps a *sql.Tx. For MySQL it additionally holds the per-Flow row
// lock acquired via "SELECT ... FOR UPDATE" against the flows table
// (spec.md §5's row-level lock); for SQLite the single-writer WAL
// transaction already serializes writers, so no extra lock query runs.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (s *sqlStore) Begin(ctx context.Context, flowID string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("truth: begin tx: %w", err)
	}
	if s.dialect == "mysql" {
		// Acquire the per-Flow row lock up front; holds until Commit/Rollback.
		if _, err := tx.ExecContext(ctx, "SELECT id FROM flows WHERE id = ? FOR UPDATE", flowID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("truth: lock flow row: %w", err)
		}
	}
	return &sqlTx{tx: tx}, nil
}

// q resolves tx to a querier, falling back to the store's own *sql.DB (an
// implicit single-statement transaction) when tx is nil.
func (s *sqlStore) q(tx Tx) querier {
	if tx == nil {
		return s.db
	}
	return tx.(*sqlTx).tx
}

func (s *sqlStore) createTables(ctx context.Context) error {
	autoIncrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	textType := "TEXT"
	if s.dialect == "mysql" {
		autoIncrement = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		textType = "LONGTEXT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_groups (
			id VARCHAR(64) PRIMARY KEY,
			company_id VARCHAR(64) NOT NULL,
			scope_type VARCHAR(64) NOT NULL,
			scope_id VARCHAR(64) NOT NULL,
			anchor_task_path VARCHAR(255) DEFAULT '',
			UNIQUE(company_id, scope_type, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id VARCHAR(64) PRIMARY KEY,
			workflow_version_id VARCHAR(64) NOT NULL,
			flow_group_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_group ON flows(flow_group_id, workflow_version_id)`,
		`CREATE TABLE IF NOT EXISTS node_activations (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(64) NOT NULL,
			iteration INTEGER NOT NULL,
			activated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activations_flow_node ON node_activations(flow_id, node_id)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			iteration INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			started_by VARCHAR(64) NOT NULL,
			outcome VARCHAR(128) NULL,
			outcome_at TIMESTAMP NULL,
			outcome_by VARCHAR(64) NULL,
			resolved_detour_id VARCHAR(64) NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_flow_task_iter ON task_executions(flow_id, task_id, iteration)`,
		`CREATE TABLE IF NOT EXISTS evidence_attachments (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			task_execution_id VARCHAR(64) NULL,
			type VARCHAR(16) NOT NULL,
			data ` + textType + ` NOT NULL,
			attached_by VARCHAR(64) NOT NULL,
			attached_at TIMESTAMP NOT NULL,
			idempotency_key VARCHAR(128) NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_flow_task ON evidence_attachments(flow_id, task_id)`,
		`CREATE TABLE IF NOT EXISTS validity_events (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			task_execution_id VARCHAR(64) NOT NULL,
			state VARCHAR(16) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			created_by VARCHAR(64) NOT NULL,
			reason VARCHAR(255) NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validity_execution ON validity_events(task_execution_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS detour_records (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			checkpoint_node_id VARCHAR(64) NOT NULL,
			checkpoint_task_execution_id VARCHAR(64) NOT NULL,
			resume_target_node_id VARCHAR(64) NOT NULL,
			type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			repeat_index INTEGER NOT NULL,
			opened_by VARCHAR(64) NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			escalated_at TIMESTAMP NULL,
			escalated_by VARCHAR(64) NULL,
			resolved_at TIMESTAMP NULL,
			resolved_by VARCHAR(64) NULL,
			converted_at TIMESTAMP NULL,
			converted_by VARCHAR(64) NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detours_flow ON detour_records(flow_id, status)`,
		`CREATE TABLE IF NOT EXISTS fan_out_failures (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			source_node_id VARCHAR(64) NOT NULL,
			trigger_outcome VARCHAR(128) NOT NULL,
			target_workflow_id VARCHAR(64) NOT NULL,
			reason ` + textType + ` NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hook_outbox (
			rowid ` + autoIncrement + `,
			id VARCHAR(64) NOT NULL UNIQUE,
			flow_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			meta ` + textType + ` NOT NULL,
			created_at TIMESTAMP NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_pending ON hook_outbox(delivered, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truth: create schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) CreateFlowGroup(ctx context.Context, tx Tx, g FlowGroup) (FlowGroup, error) {
	existing, ok, err := s.FlowGroupByScope(ctx, g.CompanyID, g.ScopeType, g.ScopeID)
	if err != nil {
		return FlowGroup{}, err
	}
	if ok {
		return existing, nil
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err = s.q(tx).ExecContext(ctx,
		`INSERT INTO flow_groups (id, company_id, scope_type, scope_id, anchor_task_path) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.CompanyID, g.ScopeType, g.ScopeID, g.AnchorTaskPath)
	if err != nil {
		return FlowGroup{}, fmt.Errorf("truth: insert flow_group: %w", err)
	}
	return g, nil
}

func (s *sqlStore) FlowGroupByScope(ctx context.Context, companyID, scopeType, scopeID string) (FlowGroup, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, scope_type, scope_id, anchor_task_path FROM flow_groups WHERE company_id = ? AND scope_type = ? AND scope_id = ?`,
		companyID, scopeType, scopeID)
	var g FlowGroup
	if err := row.Scan(&g.ID, &g.CompanyID, &g.ScopeType, &g.ScopeID, &g.AnchorTaskPath); err != nil {
		if err == sql.ErrNoRows {
			return FlowGroup{}, false, nil
		}
		return FlowGroup{}, false, err
	}
	return g, true, nil
}

func (s *sqlStore) FlowGroupByID(ctx context.Context, id string) (FlowGroup, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, scope_type, scope_id, anchor_task_path FROM flow_groups WHERE id = ?`, id)
	var g FlowGroup
	if err := row.Scan(&g.ID, &g.CompanyID, &g.ScopeType, &g.ScopeID, &g.AnchorTaskPath); err != nil {
		if err == sql.ErrNoRows {
			return FlowGroup{}, false, nil
		}
		return FlowGroup{}, false, err
	}
	return g, true, nil
}

func (s *sqlStore) CreateFlow(ctx context.Context, tx Tx, f Flow) (Flow, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FlowActive
	}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO flows (id, workflow_version_id, flow_group_id, status, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.WorkflowVersionID, f.FlowGroupID, string(f.Status), f.CreatedAt, f.CompletedAt)
	if err != nil {
		return Flow{}, fmt.Errorf("truth: insert flow: %w", err)
	}
	return f, nil
}

func (s *sqlStore) GetFlow(ctx context.Context, tx Tx, flowID string) (Flow, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, workflow_version_id, flow_group_id, status, created_at, completed_at FROM flows WHERE id = ?`, flowID)
	var f Flow
	var status string
	if err := row.Scan(&f.ID, &f.WorkflowVersionID, &f.FlowGroupID, &status, &f.CreatedAt, &f.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return Flow{}, false, nil
		}
		return Flow{}, false, err
	}
	f.Status = FlowStatus(status)
	return f, true, nil
}

func (s *sqlStore) UpdateFlowStatus(ctx context.Context, tx Tx, flowID string, status FlowStatus, now *time.Time) error {
	_, err := s.q(tx).ExecContext(ctx,
		`UPDATE flows SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), now, flowID)
	return err
}

func (s *sqlStore) FlowsInGroupByWorkflow(ctx context.Context, flowGroupID, workflowID string) ([]Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_version_id, flow_group_id, status, created_at, completed_at FROM flows WHERE flow_group_id = ? AND workflow_version_id = ?`,
		flowGroupID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Flow
	for rows.Next() {
		var f Flow
		var status string
		if err := rows.Scan(&f.ID, &f.WorkflowVersionID, &f.FlowGroupID, &status, &f.CreatedAt, &f.CompletedAt); err != nil {
			return nil, err
		}
		f.Status = FlowStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStore) FlowsInGroup(ctx context.Context, flowGroupID string) ([]Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_version_id, flow_group_id, status, created_at, completed_at FROM flows WHERE flow_group_id = ?`,
		flowGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Flow
	for rows.Next() {
		var f Flow
		var status string
		if err := rows.Scan(&f.ID, &f.WorkflowVersionID, &f.FlowGroupID, &status, &f.CreatedAt, &f.CompletedAt); err != nil {
			return nil, err
		}
		f.Status = FlowStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStore) LoadTruth(ctx context.Context, tx Tx, flowID string) (Truth, error) {
	q := s.q(tx)
	var t Truth

	actRows, err := q.QueryContext(ctx, `SELECT id, flow_id, node_id, iteration, activated_at FROM node_activations WHERE flow_id = ?`, flowID)
	if err != nil {
		return t, err
	}
	for actRows.Next() {
		var a NodeActivation
		if err := actRows.Scan(&a.ID, &a.FlowID, &a.NodeID, &a.Iteration, &a.ActivatedAt); err != nil {
			actRows.Close()
			return t, err
		}
		t.NodeActivations = append(t.NodeActivations, a)
	}
	actRows.Close()

	execRows, err := q.QueryContext(ctx, `SELECT id, flow_id, task_id, iteration, started_at, started_by, outcome, outcome_at, outcome_by, resolved_detour_id FROM task_executions WHERE flow_id = ?`, flowID)
	if err != nil {
		return t, err
	}
	for execRows.Next() {
		var e TaskExecution
		if err := execRows.Scan(&e.ID, &e.FlowID, &e.TaskID, &e.Iteration, &e.StartedAt, &e.StartedBy, &e.Outcome, &e.OutcomeAt, &e.OutcomeBy, &e.ResolvedDetourID); err != nil {
			execRows.Close()
			return t, err
		}
		t.TaskExecutions = append(t.TaskExecutions, e)
	}
	execRows.Close()

	evRows, err := q.QueryContext(ctx, `SELECT id, flow_id, task_id, task_execution_id, type, data, attached_by, attached_at, idempotency_key FROM evidence_attachments WHERE flow_id = ?`, flowID)
	if err != nil {
		return t, err
	}
	for evRows.Next() {
		var a EvidenceAttachment
		var evType string
		var rawData string
		if err := evRows.Scan(&a.ID, &a.FlowID, &a.TaskID, &a.TaskExecutionID, &evType, &rawData, &a.AttachedBy, &a.AttachedAt, &a.IdempotencyKey); err != nil {
			evRows.Close()
			return t, err
		}
		a.Type = EvidenceType(evType)
		a.Data = decodeEvidenceData(a.Type, rawData)
		t.Evidence = append(t.Evidence, a)
	}
	evRows.Close()

	for _, e := range t.TaskExecutions {
		vRows, err := q.QueryContext(ctx, `SELECT id, task_execution_id, state, created_at, created_by, reason FROM validity_events WHERE task_execution_id = ?`, e.ID)
		if err != nil {
			return t, err
		}
		for vRows.Next() {
			var v ValidityEvent
			var state string
			if err := vRows.Scan(&v.ID, &v.TaskExecutionID, &state, &v.CreatedAt, &v.CreatedBy, &v.Reason); err != nil {
				vRows.Close()
				return t, err
			}
			v.State = ValidityState(state)
			t.ValidityEvents = append(t.ValidityEvents, v)
		}
		vRows.Close()
	}

	detRows, err := q.QueryContext(ctx, `SELECT id, flow_id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type, status, repeat_index, opened_by, opened_at, escalated_at, escalated_by, resolved_at, resolved_by, converted_at, converted_by FROM detour_records WHERE flow_id = ?`, flowID)
	if err != nil {
		return t, err
	}
	for detRows.Next() {
		var d DetourRecord
		var dtype, status string
		if err := detRows.Scan(&d.ID, &d.FlowID, &d.CheckpointNodeID, &d.CheckpointTaskExecutionID, &d.ResumeTargetNodeID, &dtype, &status, &d.RepeatIndex, &d.OpenedBy, &d.OpenedAt, &d.EscalatedAt, &d.EscalatedBy, &d.ResolvedAt, &d.ResolvedBy, &d.ConvertedAt, &d.ConvertedBy); err != nil {
			detRows.Close()
			return t, err
		}
		d.Type, d.Status = DetourType(dtype), DetourStatus(status)
		t.Detours = append(t.Detours, d)
	}
	detRows.Close()

	return t, nil
}

func encodeEvidenceData(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeEvidenceData(t EvidenceType, raw string) any {
	switch t {
	case EvidenceFile:
		var p FilePointer
		_ = json.Unmarshal([]byte(raw), &p)
		return p
	default:
		var m map[string]any
		_ = json.Unmarshal([]byte(raw), &m)
		return m
	}
}

func (s *sqlStore) RecordNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string, iteration int, now time.Time) (NodeActivation, error) {
	a := NodeActivation{ID: uuid.NewString(), FlowID: flowID, NodeID: nodeID, Iteration: iteration, ActivatedAt: now}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO node_activations (id, flow_id, node_id, iteration, activated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.FlowID, a.NodeID, a.Iteration, a.ActivatedAt)
	return a, err
}

func (s *sqlStore) LatestNodeActivation(ctx context.Context, tx Tx, flowID, nodeID string) (NodeActivation, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, flow_id, node_id, iteration, activated_at FROM node_activations WHERE flow_id = ? AND node_id = ? ORDER BY iteration DESC LIMIT 1`,
		flowID, nodeID)
	var a NodeActivation
	if err := row.Scan(&a.ID, &a.FlowID, &a.NodeID, &a.Iteration, &a.ActivatedAt); err != nil {
		if err == sql.ErrNoRows {
			return NodeActivation{}, false, nil
		}
		return NodeActivation{}, false, err
	}
	return a, true, nil
}

func (s *sqlStore) RecordTaskStart(ctx context.Context, tx Tx, flowID, taskID, userID, nodeActivationID string, iteration int, now time.Time) (TaskExecution, error) {
	e := TaskExecution{ID: uuid.NewString(), FlowID: flowID, TaskID: taskID, Iteration: iteration, StartedAt: now, StartedBy: userID}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO task_executions (id, flow_id, task_id, iteration, started_at, started_by) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.FlowID, e.TaskID, e.Iteration, e.StartedAt, e.StartedBy)
	return e, err
}

func (s *sqlStore) LatestExecution(ctx context.Context, tx Tx, flowID, taskID string, iteration int) (TaskExecution, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, flow_id, task_id, iteration, started_at, started_by, outcome, outcome_at, outcome_by, resolved_detour_id
		 FROM task_executions WHERE flow_id = ? AND task_id = ? AND iteration = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		flowID, taskID, iteration)
	var e TaskExecution
	if err := row.Scan(&e.ID, &e.FlowID, &e.TaskID, &e.Iteration, &e.StartedAt, &e.StartedBy, &e.Outcome, &e.OutcomeAt, &e.OutcomeBy, &e.ResolvedDetourID); err != nil {
		if err == sql.ErrNoRows {
			return TaskExecution{}, false, nil
		}
		return TaskExecution{}, false, err
	}
	return e, true, nil
}

func (s *sqlStore) ExecutionByID(ctx context.Context, tx Tx, id string) (TaskExecution, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, flow_id, task_id, iteration, started_at, started_by, outcome, outcome_at, outcome_by, resolved_detour_id
		 FROM task_executions WHERE id = ?`, id)
	var e TaskExecution
	if err := row.Scan(&e.ID, &e.FlowID, &e.TaskID, &e.Iteration, &e.StartedAt, &e.StartedBy, &e.Outcome, &e.OutcomeAt, &e.OutcomeBy, &e.ResolvedDetourID); err != nil {
		if err == sql.ErrNoRows {
			return TaskExecution{}, false, nil
		}
		return TaskExecution{}, false, err
	}
	return e, true, nil
}

func (s *sqlStore) RecordOutcome(ctx context.Context, tx Tx, taskExecutionID, outcome, userID string, now time.Time) (TaskExecution, error) {
	q := s.q(tx)
	existing, found, err := s.ExecutionByID(ctx, tx, taskExecutionID)
	if err != nil {
		return TaskExecution{}, err
	}
	if !found {
		return TaskExecution{}, ErrNotFound
	}
	if existing.Outcome != nil {
		return TaskExecution{}, &alreadyRecordedError{}
	}
	_, err = q.ExecContext(ctx,
		`UPDATE task_executions SET outcome = ?, outcome_at = ?, outcome_by = ? WHERE id = ? AND outcome IS NULL`,
		outcome, now, userID, taskExecutionID)
	if err != nil {
		return TaskExecution{}, err
	}
	existing.Outcome, existing.OutcomeAt, existing.OutcomeBy = &outcome, &now, &userID
	return existing, nil
}

func (s *sqlStore) BindResolvedDetour(ctx context.Context, tx Tx, taskExecutionID, detourID string) error {
	_, err := s.q(tx).ExecContext(ctx, `UPDATE task_executions SET resolved_detour_id = ? WHERE id = ?`, detourID, taskExecutionID)
	return err
}

func (s *sqlStore) AttachEvidence(ctx context.Context, tx Tx, att EvidenceAttachment) (EvidenceAttachment, bool, error) {
	if att.IdempotencyKey != nil {
		row := s.q(tx).QueryRowContext(ctx,
			`SELECT id, flow_id, task_id, task_execution_id, type, data, attached_by, attached_at, idempotency_key
			 FROM evidence_attachments WHERE idempotency_key = ?`, *att.IdempotencyKey)
		var existing EvidenceAttachment
		var evType, rawData string
		if err := row.Scan(&existing.ID, &existing.FlowID, &existing.TaskID, &existing.TaskExecutionID, &evType, &rawData, &existing.AttachedBy, &existing.AttachedAt, &existing.IdempotencyKey); err == nil {
			existing.Type = EvidenceType(evType)
			existing.Data = decodeEvidenceData(existing.Type, rawData)
			return existing, true, nil
		} else if err != sql.ErrNoRows {
			return EvidenceAttachment{}, false, err
		}
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO evidence_attachments (id, flow_id, task_id, task_execution_id, type, data, attached_by, attached_at, idempotency_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.FlowID, att.TaskID, att.TaskExecutionID, string(att.Type), encodeEvidenceData(att.Data), att.AttachedBy, att.AttachedAt, att.IdempotencyKey)
	return att, false, err
}

func (s *sqlStore) EvidenceForTask(ctx context.Context, tx Tx, flowID, taskID string) ([]EvidenceAttachment, error) {
	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT id, flow_id, task_id, task_execution_id, type, data, attached_by, attached_at, idempotency_key FROM evidence_attachments WHERE flow_id = ? AND task_id = ?`,
		flowID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceAttachment
	for rows.Next() {
		var a EvidenceAttachment
		var evType, rawData string
		if err := rows.Scan(&a.ID, &a.FlowID, &a.TaskID, &a.TaskExecutionID, &evType, &rawData, &a.AttachedBy, &a.AttachedAt, &a.IdempotencyKey); err != nil {
			return nil, err
		}
		a.Type = EvidenceType(evType)
		a.Data = decodeEvidenceData(a.Type, rawData)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordValidityEvent(ctx context.Context, tx Tx, ev ValidityEvent) (ValidityEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO validity_events (id, task_execution_id, state, created_at, created_by, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskExecutionID, string(ev.State), ev.CreatedAt, ev.CreatedBy, ev.Reason)
	return ev, err
}

func (s *sqlStore) OpenDetour(ctx context.Context, tx Tx, d DetourRecord) (DetourRecord, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DetourActive
	}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO detour_records (id, flow_id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type, status, repeat_index, opened_by, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FlowID, d.CheckpointNodeID, d.CheckpointTaskExecutionID, d.ResumeTargetNodeID, string(d.Type), string(d.Status), d.RepeatIndex, d.OpenedBy, d.OpenedAt)
	return d, err
}

func (s *sqlStore) ActiveDetourForFlow(ctx context.Context, tx Tx, flowID string) (DetourRecord, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, flow_id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type, status, repeat_index, opened_by, opened_at, escalated_at, escalated_by, resolved_at, resolved_by, converted_at, converted_by
		 FROM detour_records WHERE flow_id = ? AND status = ?`, flowID, string(DetourActive))
	var d DetourRecord
	var dtype, status string
	if err := row.Scan(&d.ID, &d.FlowID, &d.CheckpointNodeID, &d.CheckpointTaskExecutionID, &d.ResumeTargetNodeID, &dtype, &status, &d.RepeatIndex, &d.OpenedBy, &d.OpenedAt, &d.EscalatedAt, &d.EscalatedBy, &d.ResolvedAt, &d.ResolvedBy, &d.ConvertedAt, &d.ConvertedBy); err != nil {
		if err == sql.ErrNoRows {
			return DetourRecord{}, false, nil
		}
		return DetourRecord{}, false, err
	}
	d.Type, d.Status = DetourType(dtype), DetourStatus(status)
	return d, true, nil
}

func (s *sqlStore) DetourByID(ctx context.Context, tx Tx, id string) (DetourRecord, bool, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT id, flow_id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type, status, repeat_index, opened_by, opened_at, escalated_at, escalated_by, resolved_at, resolved_by, converted_at, converted_by
		 FROM detour_records WHERE id = ?`, id)
	var d DetourRecord
	var dtype, status string
	if err := row.Scan(&d.ID, &d.FlowID, &d.CheckpointNodeID, &d.CheckpointTaskExecutionID, &d.ResumeTargetNodeID, &dtype, &status, &d.RepeatIndex, &d.OpenedBy, &d.OpenedAt, &d.EscalatedAt, &d.EscalatedBy, &d.ResolvedAt, &d.ResolvedBy, &d.ConvertedAt, &d.ConvertedBy); err != nil {
		if err == sql.ErrNoRows {
			return DetourRecord{}, false, nil
		}
		return DetourRecord{}, false, err
	}
	d.Type, d.Status = DetourType(dtype), DetourStatus(status)
	return d, true, nil
}

func (s *sqlStore) CountDetoursAtCheckpoint(ctx context.Context, tx Tx, flowID, checkpointNodeID string) (int, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detour_records WHERE flow_id = ? AND checkpoint_node_id = ?`, flowID, checkpointNodeID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqlStore) UpdateDetourStatus(ctx context.Context, tx Tx, id string, status DetourStatus, now time.Time, by string) error {
	q := s.q(tx)
	var err error
	switch status {
	case DetourResolved:
		_, err = q.ExecContext(ctx, `UPDATE detour_records SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`, string(status), now, by, id)
	case DetourConverted:
		_, err = q.ExecContext(ctx, `UPDATE detour_records SET status = ?, converted_at = ?, converted_by = ? WHERE id = ?`, string(status), now, by, id)
	default:
		_, err = q.ExecContext(ctx, `UPDATE detour_records SET status = ? WHERE id = ?`, string(status), id)
	}
	return err
}

func (s *sqlStore) EscalateDetour(ctx context.Context, tx Tx, id string, now time.Time, by string) error {
	q := s.q(tx)
	_, err := q.ExecContext(ctx, `UPDATE detour_records SET type = ?, escalated_at = ?, escalated_by = ? WHERE id = ?`, string(Blocking), now, by, id)
	return err
}

func (s *sqlStore) RecordFanOutFailure(ctx context.Context, tx Tx, f FanOutFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO fan_out_failures (id, flow_id, source_node_id, trigger_outcome, target_workflow_id, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.FlowID, f.SourceNodeID, f.TriggerOutcome, f.TargetWorkflowID, f.Reason, f.CreatedAt)
	return err
}

func (s *sqlStore) GroupOutcomes(ctx context.Context, flowGroupID string) ([]GroupOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.workflow_version_id, e.task_id, e.outcome
		FROM task_executions e
		JOIN flows f ON f.id = e.flow_id
		WHERE f.flow_group_id = ? AND e.outcome IS NOT NULL`, flowGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupOutcome
	for rows.Next() {
		var g GroupOutcome
		if err := rows.Scan(&g.FlowID, &g.WorkflowID, &g.TaskID, &g.Outcome); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqlStore) EnqueueHook(ctx context.Context, tx Tx, h Hook) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	meta, _ := json.Marshal(h.Meta)
	_, err := s.q(tx).ExecContext(ctx,
		`INSERT INTO hook_outbox (id, flow_id, kind, meta, created_at, delivered) VALUES (?, ?, ?, ?, ?, 0)`,
		h.ID, h.FlowID, string(h.Kind), string(meta), h.CreatedAt)
	return err
}

func (s *sqlStore) PendingHooks(ctx context.Context, limit int) ([]Hook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, kind, meta, created_at FROM hook_outbox WHERE delivered = 0 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hook
	for rows.Next() {
		var h Hook
		var meta string
		if err := rows.Scan(&h.ID, &h.FlowID, &h.Kind, &meta, &h.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &h.Meta)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkHooksDelivered(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE hook_outbox SET delivered = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}
