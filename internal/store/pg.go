package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/scholaris/approval-engine/internal/condition"
	"github.com/scholaris/approval-engine/internal/model"
)

// PGStore persists engine state into Postgres via database/sql + lib/pq.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// --- templates ---

const templateColumns = `
	id, tenant_id, name, request_type, request_category,
	condition, levels, escalations, delegation,
	auto_approve, auto_approve_max,
	priority, is_default, active, valid_from, valid_until,
	default_sla_hours, max_escalations, created_at, updated_at`

func (p *PGStore) CreateTemplate(ctx context.Context, t *model.WorkflowTemplate) error {
	if t.ID == "" {
		t.ID = model.NewUUID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	condJSON, err := marshalJSON(t.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	levelsJSON, err := marshalJSON(t.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	escJSON, err := marshalJSON(t.Escalations)
	if err != nil {
		return fmt.Errorf("marshal escalations: %w", err)
	}
	delegJSON, err := marshalJSON(t.Delegation)
	if err != nil {
		return fmt.Errorf("marshal delegation: %w", err)
	}
	autoJSON, err := marshalJSON(t.AutoApprove)
	if err != nil {
		return fmt.Errorf("marshal auto approve: %w", err)
	}

	q := `
		INSERT INTO workflow_templates (` + templateColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`
	_, err = p.db.ExecContext(ctx, q,
		t.ID, t.TenantID, t.Name, t.RequestType, t.RequestCategory,
		condJSON, levelsJSON, escJSON, delegJSON,
		autoJSON, t.AutoApproveMax,
		t.Priority, t.IsDefault, t.Active, t.ValidFrom, t.ValidUntil,
		t.DefaultSLAHours, t.MaxEscalations, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePriority
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (p *PGStore) UpdateTemplate(ctx context.Context, t *model.WorkflowTemplate) error {
	condJSON, err := marshalJSON(t.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	levelsJSON, err := marshalJSON(t.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	escJSON, err := marshalJSON(t.Escalations)
	if err != nil {
		return fmt.Errorf("marshal escalations: %w", err)
	}
	delegJSON, err := marshalJSON(t.Delegation)
	if err != nil {
		return fmt.Errorf("marshal delegation: %w", err)
	}
	autoJSON, err := marshalJSON(t.AutoApprove)
	if err != nil {
		return fmt.Errorf("marshal auto approve: %w", err)
	}

	q := `
		UPDATE workflow_templates
		SET name=$3, request_type=$4, request_category=$5,
		    condition=$6, levels=$7, escalations=$8, delegation=$9,
		    auto_approve=$10, auto_approve_max=$11,
		    priority=$12, is_default=$13, active=$14,
		    valid_from=$15, valid_until=$16,
		    default_sla_hours=$17, max_escalations=$18, updated_at=NOW()
		WHERE id=$1 AND tenant_id=$2
	`
	res, err := p.db.ExecContext(ctx, q,
		t.ID, t.TenantID, t.Name, t.RequestType, t.RequestCategory,
		condJSON, levelsJSON, escJSON, delegJSON,
		autoJSON, t.AutoApproveMax,
		t.Priority, t.IsDefault, t.Active, t.ValidFrom, t.ValidUntil,
		t.DefaultSLAHours, t.MaxEscalations,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePriority
		}
		return fmt.Errorf("update template: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*model.WorkflowTemplate, error) {
	var (
		t                                            model.WorkflowTemplate
		condRaw, levelsRaw, escRaw, delegRaw, autoRaw []byte
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &t.RequestType, &t.RequestCategory,
		&condRaw, &levelsRaw, &escRaw, &delegRaw,
		&autoRaw, &t.AutoApproveMax,
		&t.Priority, &t.IsDefault, &t.Active, &t.ValidFrom, &t.ValidUntil,
		&t.DefaultSLAHours, &t.MaxEscalations, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(condRaw) > 0 && string(condRaw) != "null" {
		t.Condition = &condition.Condition{}
		if err := json.Unmarshal(condRaw, t.Condition); err != nil {
			return nil, fmt.Errorf("unmarshal condition: %w", err)
		}
	}
	if err := json.Unmarshal(levelsRaw, &t.Levels); err != nil {
		return nil, fmt.Errorf("unmarshal levels: %w", err)
	}
	if len(escRaw) > 0 && string(escRaw) != "null" {
		if err := json.Unmarshal(escRaw, &t.Escalations); err != nil {
			return nil, fmt.Errorf("unmarshal escalations: %w", err)
		}
	}
	if len(delegRaw) > 0 && string(delegRaw) != "null" {
		if err := json.Unmarshal(delegRaw, &t.Delegation); err != nil {
			return nil, fmt.Errorf("unmarshal delegation: %w", err)
		}
	}
	if len(autoRaw) > 0 && string(autoRaw) != "null" {
		t.AutoApprove = &condition.Condition{}
		if err := json.Unmarshal(autoRaw, t.AutoApprove); err != nil {
			return nil, fmt.Errorf("unmarshal auto approve: %w", err)
		}
	}
	return &t, nil
}

func (p *PGStore) GetTemplate(ctx context.Context, tenantID, id string) (*model.WorkflowTemplate, error) {
	q := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE id=$1 AND tenant_id=$2`
	t, err := scanTemplate(p.db.QueryRowContext(ctx, q, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (p *PGStore) ListCandidateTemplates(ctx context.Context, tenantID, requestType, category string) ([]*model.WorkflowTemplate, error) {
	q := `
		SELECT ` + templateColumns + `
		FROM workflow_templates
		WHERE tenant_id=$1 AND request_type=$2 AND request_category=$3 AND active
		ORDER BY priority ASC
	`
	rows, err := p.db.QueryContext(ctx, q, tenantID, requestType, category)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*model.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PGStore) GetDefaultTemplate(ctx context.Context, tenantID string) (*model.WorkflowTemplate, error) {
	q := `
		SELECT ` + templateColumns + `
		FROM workflow_templates
		WHERE tenant_id=$1 AND active AND is_default
		ORDER BY priority ASC
		LIMIT 1
	`
	t, err := scanTemplate(p.db.QueryRowContext(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get default template: %w", err)
	}
	return t, nil
}

// --- requests ---

const requestColumns = `
	id, tenant_id, request_type, request_category, source_ref, payload,
	requester_id, amount, currency, status, current_level, total_levels,
	template_id, approval_path, deadline, sla_status,
	escalation_level, max_escalations, intervention_required,
	priority, impact, urgency, final_approver_id, final_decided_at,
	created_at, updated_at`

func scanRequest(row rowScanner) (*model.ApprovalRequest, error) {
	var (
		r          model.ApprovalRequest
		payloadRaw []byte
		pathRaw    []byte
		amount     sql.NullFloat64
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.RequestType, &r.RequestCategory, &r.SourceRef, &payloadRaw,
		&r.RequesterID, &amount, &r.Currency, &r.Status, &r.CurrentLevel, &r.TotalLevels,
		&r.TemplateID, &pathRaw, &r.Deadline, &r.SLAStatus,
		&r.EscalationLevel, &r.MaxEscalations, &r.Intervention,
		&r.Priority, &r.Impact, &r.Urgency, &r.FinalApproverID, &r.FinalDecidedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		v := amount.Float64
		r.Amount = &v
	}
	if len(payloadRaw) > 0 && string(payloadRaw) != "null" {
		r.Payload = append(json.RawMessage(nil), payloadRaw...)
	}
	if err := json.Unmarshal(pathRaw, &r.ApprovalPath); err != nil {
		return nil, fmt.Errorf("unmarshal approval path: %w", err)
	}
	return &r, nil
}

func (p *PGStore) CreateRequest(ctx context.Context, req *model.ApprovalRequest, levels []*model.LevelAction, history []*model.DecisionHistoryEntry, events []*model.OutboxEvent) error {
	pathJSON, err := marshalJSON(req.ApprovalPath)
	if err != nil {
		return fmt.Errorf("marshal approval path: %w", err)
	}
	payload := []byte("null")
	if req.Payload != nil {
		payload = req.Payload
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`
	_, err = tx.ExecContext(ctx, q,
		req.ID, req.TenantID, req.RequestType, req.RequestCategory, req.SourceRef, payload,
		req.RequesterID, req.Amount, req.Currency, req.Status, req.CurrentLevel, req.TotalLevels,
		req.TemplateID, pathJSON, req.Deadline, req.SLAStatus,
		req.EscalationLevel, req.MaxEscalations, req.Intervention,
		req.Priority, req.Impact, req.Urgency, req.FinalApproverID, req.FinalDecidedAt,
		req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	for _, l := range levels {
		if err := insertLevel(ctx, tx, l); err != nil {
			return err
		}
	}
	for _, e := range history {
		if err := insertHistory(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

func insertLevel(ctx context.Context, tx *sql.Tx, l *model.LevelAction) error {
	approverJSON, err := marshalJSON(l.Approver)
	if err != nil {
		return fmt.Errorf("marshal approver: %w", err)
	}
	q := `
		INSERT INTO level_actions
		  (id, request_id, tenant_id, level, name, approver, status,
		   acted_by, acted_at, rationale, delegated_to, delegation_expiry, delegation_reason,
		   due_date, response_time_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err = tx.ExecContext(ctx, q,
		l.ID, l.RequestID, l.TenantID, l.Level, l.Name, approverJSON, l.Status,
		l.ActedBy, l.ActedAt, l.Rationale, l.DelegatedTo, l.DelegationExpiry, l.DelegationReason,
		l.DueDate, durationMS(l.ResponseTime), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert level action: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, e *model.DecisionHistoryEntry) error {
	q := `
		INSERT INTO decision_history
		  (id, tenant_id, request_id, level, entry_type, actor_id, prev_status, new_status, rationale, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := tx.ExecContext(ctx, q,
		e.ID, e.TenantID, e.RequestID, e.Level, e.EntryType, e.ActorID,
		e.PrevStatus, e.NewStatus, e.Rationale, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *model.OutboxEvent) error {
	q := `
		INSERT INTO outbox_events
		  (id, tenant_id, request_id, event_type, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := tx.ExecContext(ctx, q,
		ev.ID, ev.TenantID, ev.RequestID, ev.EventType, []byte(ev.Payload), ev.Status, ev.Attempts, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func durationMS(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func (p *PGStore) GetRequest(ctx context.Context, tenantID, id string) (*model.ApprovalRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id=$1 AND tenant_id=$2`
	r, err := scanRequest(p.db.QueryRowContext(ctx, q, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

const levelColumns = `
	id, request_id, tenant_id, level, name, approver, status,
	acted_by, acted_at, rationale, delegated_to, delegation_expiry, delegation_reason,
	due_date, response_time_ms, created_at, updated_at`

func scanLevel(row rowScanner) (*model.LevelAction, error) {
	var (
		l           model.LevelAction
		approverRaw []byte
		responseMS  sql.NullInt64
	)
	err := row.Scan(
		&l.ID, &l.RequestID, &l.TenantID, &l.Level, &l.Name, &approverRaw, &l.Status,
		&l.ActedBy, &l.ActedAt, &l.Rationale, &l.DelegatedTo, &l.DelegationExpiry, &l.DelegationReason,
		&l.DueDate, &responseMS, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(approverRaw, &l.Approver); err != nil {
		return nil, fmt.Errorf("unmarshal approver: %w", err)
	}
	if responseMS.Valid {
		d := time.Duration(responseMS.Int64) * time.Millisecond
		l.ResponseTime = &d
	}
	return &l, nil
}

func (p *PGStore) GetLevel(ctx context.Context, requestID string, level int) (*model.LevelAction, error) {
	q := `SELECT ` + levelColumns + ` FROM level_actions WHERE request_id=$1 AND level=$2`
	l, err := scanLevel(p.db.QueryRowContext(ctx, q, requestID, level))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get level: %w", err)
	}
	return l, nil
}

func (p *PGStore) ListLevels(ctx context.Context, requestID string) ([]*model.LevelAction, error) {
	q := `SELECT ` + levelColumns + ` FROM level_actions WHERE request_id=$1 ORDER BY level ASC`
	rows, err := p.db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	defer rows.Close()
	var out []*model.LevelAction
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- guarded transitions ---

// ApplyLevelTransition runs the compare-and-set, request update, ledger
// append and event enqueue as one Postgres transaction. The status guard in
// the UPDATE's WHERE clause is the mutual-exclusion point: a concurrent
// decision that already moved the level makes RowsAffected zero.
func (p *PGStore) ApplyLevelTransition(ctx context.Context, tr LevelTransition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status model.RequestStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM approval_requests WHERE id=$1 AND tenant_id=$2 FOR UPDATE`,
		tr.RequestID, tr.TenantID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock request: %w", err)
	}
	if status.Terminal() {
		return ErrTerminal
	}

	var approverJSON interface{}
	if tr.NewApprover != nil {
		b, err := json.Marshal(tr.NewApprover)
		if err != nil {
			return fmt.Errorf("marshal approver: %w", err)
		}
		approverJSON = b
	}

	q := `
		UPDATE level_actions
		SET status=$4,
		    acted_by=COALESCE($5, acted_by),
		    acted_at=COALESCE($6, acted_at),
		    rationale=COALESCE($7, rationale),
		    response_time_ms=COALESCE($8, response_time_ms),
		    delegated_to=CASE WHEN $9 THEN NULL ELSE COALESCE($10, delegated_to) END,
		    delegation_expiry=CASE WHEN $9 THEN NULL ELSE COALESCE($11, delegation_expiry) END,
		    delegation_reason=CASE WHEN $9 THEN NULL ELSE COALESCE($12, delegation_reason) END,
		    approver=COALESCE($13, approver),
		    due_date=COALESCE($14, due_date),
		    updated_at=NOW()
		WHERE request_id=$1 AND level=$2 AND status=$3
	`
	res, err := tx.ExecContext(ctx, q,
		tr.RequestID, tr.Level, tr.ExpectStatus, tr.NewStatus,
		tr.ActedBy, tr.ActedAt, tr.Rationale, durationMS(tr.ResponseTime),
		tr.ClearDelegation, tr.DelegatedTo, tr.DelegationExpiry, tr.DelegationReason,
		approverJSON, tr.NewDueDate,
	)
	if err != nil {
		return fmt.Errorf("update level: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Distinguish a lost race from a missing level.
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM level_actions WHERE request_id=$1 AND level=$2`,
			tr.RequestID, tr.Level,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check level: %w", err)
		}
		return ErrConflict
	}

	if tr.ConsumeExceptionID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE rule_exceptions SET consumed=TRUE WHERE id=$1 AND request_id=$2`,
			tr.ConsumeExceptionID, tr.RequestID,
		)
		if err != nil {
			return fmt.Errorf("consume rule exception: %w", err)
		}
	}
	if tr.Request != nil {
		if err := updateRequestTx(ctx, tx, tr.TenantID, tr.RequestID, *tr.Request); err != nil {
			return err
		}
	}
	for _, e := range tr.History {
		if err := insertHistory(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, ev := range tr.Events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit level transition: %w", err)
	}
	return nil
}

func updateRequestTx(ctx context.Context, tx *sql.Tx, tenantID, requestID string, u RequestUpdate) error {
	q := `
		UPDATE approval_requests
		SET status=COALESCE($3, status),
		    current_level=COALESCE($4, current_level),
		    escalation_level=COALESCE($5, escalation_level),
		    sla_status=COALESCE($6, sla_status),
		    intervention_required=COALESCE($7, intervention_required),
		    final_approver_id=COALESCE($8, final_approver_id),
		    final_decided_at=COALESCE($9, final_decided_at),
		    updated_at=NOW()
		WHERE id=$1 AND tenant_id=$2
	`
	_, err := tx.ExecContext(ctx, q, requestID, tenantID,
		u.Status, u.CurrentLevel, u.EscalationLevel, u.SLAStatus,
		u.Intervention, u.FinalApproverID, u.FinalDecidedAt,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

// ApplyRequestTransition is the request-level guarded transition (withdraw,
// cancel, expire, SLA refresh, intervention flag).
func (p *PGStore) ApplyRequestTransition(ctx context.Context, tr RequestTransition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		status       model.RequestStatus
		slaStatus    model.SLAStatus
		intervention bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, sla_status, intervention_required FROM approval_requests WHERE id=$1 AND tenant_id=$2 FOR UPDATE`,
		tr.RequestID, tr.TenantID,
	).Scan(&status, &slaStatus, &intervention)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock request: %w", err)
	}
	if status.Terminal() {
		return ErrTerminal
	}
	if len(tr.ExpectStatus) > 0 {
		matched := false
		for _, s := range tr.ExpectStatus {
			if status == s {
				matched = true
				break
			}
		}
		if !matched {
			return ErrConflict
		}
	}
	if tr.ExpectSLAStatus != nil && slaStatus != *tr.ExpectSLAStatus {
		return ErrConflict
	}
	if tr.ExpectIntervention != nil && intervention != *tr.ExpectIntervention {
		return ErrConflict
	}

	if err := updateRequestTx(ctx, tx, tr.TenantID, tr.RequestID, tr.Update); err != nil {
		return err
	}
	for _, e := range tr.History {
		if err := insertHistory(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, ev := range tr.Events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit request transition: %w", err)
	}
	return nil
}

// --- sweeper worklists ---

var activeStatuses = pq.Array([]string{string(model.RequestPending), string(model.RequestInReview)})

func (p *PGStore) ListActiveRequests(ctx context.Context, limit int) ([]*model.ApprovalRequest, error) {
	q := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, q, activeStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	defer rows.Close()
	var out []*model.ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PGStore) ListOverdueLevels(ctx context.Context, now time.Time, limit int) ([]*model.LevelAction, error) {
	q := `
		SELECT ` + prefixedLevelColumns("l") + `
		FROM level_actions l
		JOIN approval_requests r ON r.id = l.request_id
		WHERE l.status IN ('pending','escalated')
		  AND l.due_date < $1
		  AND r.status = ANY($2)
		ORDER BY l.due_date ASC
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, q, now, activeStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue levels: %w", err)
	}
	defer rows.Close()
	return scanLevels(rows)
}

func (p *PGStore) ListExpiredDelegations(ctx context.Context, now time.Time, limit int) ([]*model.LevelAction, error) {
	q := `
		SELECT ` + prefixedLevelColumns("l") + `
		FROM level_actions l
		JOIN approval_requests r ON r.id = l.request_id
		WHERE l.status = 'delegated'
		  AND l.delegation_expiry IS NOT NULL
		  AND l.delegation_expiry < $1
		  AND r.status = ANY($2)
		ORDER BY l.delegation_expiry ASC
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, q, now, activeStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired delegations: %w", err)
	}
	defer rows.Close()
	return scanLevels(rows)
}

func scanLevels(rows *sql.Rows) ([]*model.LevelAction, error) {
	var out []*model.LevelAction
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func prefixedLevelColumns(alias string) string {
	return alias + `.id, ` + alias + `.request_id, ` + alias + `.tenant_id, ` + alias + `.level, ` +
		alias + `.name, ` + alias + `.approver, ` + alias + `.status, ` +
		alias + `.acted_by, ` + alias + `.acted_at, ` + alias + `.rationale, ` +
		alias + `.delegated_to, ` + alias + `.delegation_expiry, ` + alias + `.delegation_reason, ` +
		alias + `.due_date, ` + alias + `.response_time_ms, ` + alias + `.created_at, ` + alias + `.updated_at`
}

// --- ledger ---

func (p *PGStore) ListHistory(ctx context.Context, requestID string) ([]*model.DecisionHistoryEntry, error) {
	q := `
		SELECT id, tenant_id, request_id, level, entry_type, actor_id, prev_status, new_status, rationale, created_at
		FROM decision_history
		WHERE request_id=$1
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []*model.DecisionHistoryEntry
	for rows.Next() {
		var e model.DecisionHistoryEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RequestID, &e.Level, &e.EntryType, &e.ActorID,
			&e.PrevStatus, &e.NewStatus, &e.Rationale, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- exceptions ---

func (p *PGStore) CreateRuleException(ctx context.Context, ex *model.RuleException, history *model.DecisionHistoryEntry) error {
	if ex.ID == "" {
		ex.ID = model.NewUUID()
	}
	ex.CreatedAt = time.Now().UTC()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		INSERT INTO rule_exceptions
		  (id, tenant_id, request_id, authorized_by, superseded_rule, applied_rule, reason, post_audit_due, consumed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err = tx.ExecContext(ctx, q,
		ex.ID, ex.TenantID, ex.RequestID, ex.AuthorizedBy,
		ex.SupersededRule, ex.AppliedRule, ex.Reason, ex.PostAuditDue, ex.Consumed, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule exception: %w", err)
	}
	if history != nil {
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule exception: %w", err)
	}
	return nil
}

func (p *PGStore) GetOpenRuleException(ctx context.Context, requestID string) (*model.RuleException, error) {
	q := `
		SELECT id, tenant_id, request_id, authorized_by, superseded_rule, applied_rule, reason, post_audit_due, consumed, created_at
		FROM rule_exceptions
		WHERE request_id=$1 AND NOT consumed
		ORDER BY created_at ASC
		LIMIT 1
	`
	var ex model.RuleException
	err := p.db.QueryRowContext(ctx, q, requestID).Scan(
		&ex.ID, &ex.TenantID, &ex.RequestID, &ex.AuthorizedBy,
		&ex.SupersededRule, &ex.AppliedRule, &ex.Reason, &ex.PostAuditDue, &ex.Consumed, &ex.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule exception: %w", err)
	}
	return &ex, nil
}

// --- inbox ---

func (p *PGStore) ListDecidableLevels(ctx context.Context, tenantID string) ([]*model.LevelAction, error) {
	q := `
		SELECT ` + prefixedLevelColumns("l") + `
		FROM level_actions l
		JOIN approval_requests r ON r.id = l.request_id AND r.current_level = l.level
		WHERE l.tenant_id = $1
		  AND l.status IN ('pending','delegated','escalated')
		  AND r.status = ANY($2)
		ORDER BY l.due_date ASC
	`
	rows, err := p.db.QueryContext(ctx, q, tenantID, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("list decidable levels: %w", err)
	}
	defer rows.Close()
	return scanLevels(rows)
}

// --- outbox ---

// FetchPendingEvents claims up to limit pending outbox rows using
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never double-claim.
func (p *PGStore) FetchPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		SELECT id, tenant_id, request_id, event_type, payload, status, attempts, last_error, archived_key, created_at, sent_at
		FROM outbox_events
		WHERE status='pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending events: %w", err)
	}
	var out []*model.OutboxEvent
	var ids []string
	for rows.Next() {
		var (
			ev      model.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RequestID, &ev.EventType, &payload,
			&ev.Status, &ev.Attempts, &ev.LastError, &ev.ArchivedKey, &ev.CreatedAt, &ev.SentAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Payload = append(json.RawMessage(nil), payload...)
		out = append(out, &ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_events SET status='in_progress', attempts=attempts+1, claimed_at=NOW() WHERE id = ANY($1)`,
			pq.Array(ids),
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox events: %w", err)
		}
		for _, ev := range out {
			ev.Status = model.OutboxInProgress
			ev.Attempts++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

func (p *PGStore) MarkEventResult(ctx context.Context, id string, archivedKey *string, ok bool, errMsg string) error {
	var err error
	if ok {
		_, err = p.db.ExecContext(ctx,
			`UPDATE outbox_events SET status='sent', sent_at=NOW(), archived_key=$2, last_error=NULL WHERE id=$1`,
			id, archivedKey,
		)
	} else {
		_, err = p.db.ExecContext(ctx,
			`UPDATE outbox_events SET status='pending', last_error=$2 WHERE id=$1`,
			id, errMsg,
		)
	}
	if err != nil {
		return fmt.Errorf("mark event result: %w", err)
	}
	return nil
}

// RequeueStaleEvents recovers claims orphaned by a crashed dispatcher: rows
// stuck in_progress since before cutoff go back to pending for reclaim.
func (p *PGStore) RequeueStaleEvents(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_events SET status='pending', claimed_at=NULL WHERE status='in_progress' AND claimed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	return int(n), nil
}

func (p *PGStore) MarkEventFailed(ctx context.Context, id string, errMsg string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE outbox_events SET status='failed', last_error=$2 WHERE id=$1`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}
