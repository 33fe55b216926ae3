// Package engine implements the approval workflow engine: template
// resolution, request instantiation, the level decision state machine and the
// background SLA/escalation sweeper. All state changes go through the store's
// guarded transition primitives, so every mutation carries its ledger entry
// and outbound events atomically.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/condition"
	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

const (
	// maxPayloadBytes caps the snapshotted request payload.
	maxPayloadBytes = 64 * 1024

	// actor recorded on ledger entries written by the engine itself.
	systemActor = "system"

	defaultAtRiskWindow       = 24 * time.Hour
	defaultDelegationDuration = 72 * time.Hour
)

// Engine coordinates templates, requests and decisions for all tenants.
type Engine struct {
	store        store.Store
	directory    approver.Directory
	now          func() time.Time
	atRiskWindow time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAtRiskWindow overrides how long before the deadline a request is
// classified at_risk.
func WithAtRiskWindow(d time.Duration) Option {
	return func(e *Engine) { e.atRiskWindow = d }
}

// New builds an Engine on the given store and approver directory.
func New(s store.Store, dir approver.Directory, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		directory:    dir,
		now:          time.Now,
		atRiskWindow: defaultAtRiskWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read-only callers (HTTP layer).
func (e *Engine) Store() store.Store { return e.store }

// --- templates ---

// CreateTemplate validates and persists a new workflow template.
func (e *Engine) CreateTemplate(ctx context.Context, t *model.WorkflowTemplate) (*model.WorkflowTemplate, error) {
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	t.ID = model.NewUUID()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := e.store.CreateTemplate(ctx, t); err != nil {
		return nil, mapStoreErr(err)
	}
	log.Printf("[engine] template created tenant=%s id=%s type=%s/%s priority=%d",
		t.TenantID, t.ID, t.RequestType, t.RequestCategory, t.Priority)
	return t, nil
}

// UpdateTemplate validates and persists changes to an existing template.
// In-flight requests are unaffected: their approval path was frozen at
// instantiation.
func (e *Engine) UpdateTemplate(ctx context.Context, t *model.WorkflowTemplate) (*model.WorkflowTemplate, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("%w: template id required", ErrValidation)
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateTemplate(ctx, t); err != nil {
		return nil, mapStoreErr(err)
	}
	return t, nil
}

// GetTemplate fetches one template scoped to a tenant.
func (e *Engine) GetTemplate(ctx context.Context, tenantID, id string) (*model.WorkflowTemplate, error) {
	t, err := e.store.GetTemplate(ctx, tenantID, id)
	return t, mapStoreErr(err)
}

func validateTemplate(t *model.WorkflowTemplate) error {
	if t.TenantID == "" {
		return fmt.Errorf("%w: tenantId required", ErrValidation)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if t.RequestType == "" {
		return fmt.Errorf("%w: requestType required", ErrValidation)
	}
	if len(t.Levels) == 0 {
		return fmt.Errorf("%w: at least one approval level required", ErrValidation)
	}
	if t.DefaultSLAHours <= 0 {
		return fmt.Errorf("%w: defaultSlaHours must be positive", ErrValidation)
	}
	if t.MaxEscalations < 0 {
		return fmt.Errorf("%w: maxEscalations must not be negative", ErrValidation)
	}
	for i, lvl := range t.Levels {
		if err := lvl.Approver.Validate(); err != nil {
			return fmt.Errorf("%w: level %d approver: %v", ErrValidation, i+1, err)
		}
		if lvl.SLAHours < 0 {
			return fmt.Errorf("%w: level %d slaHours must not be negative", ErrValidation, i+1)
		}
	}
	for i, esc := range t.Escalations {
		if err := esc.Approver.Validate(); err != nil {
			return fmt.Errorf("%w: escalation %d approver: %v", ErrValidation, i+1, err)
		}
	}
	if t.Condition != nil {
		if err := t.Condition.Validate(); err != nil {
			return fmt.Errorf("%w: condition: %v", ErrValidation, err)
		}
	}
	if t.AutoApprove != nil {
		if err := t.AutoApprove.Validate(); err != nil {
			return fmt.Errorf("%w: autoApprove: %v", ErrValidation, err)
		}
	}
	if t.Delegation.MaxDurationHours < 0 {
		return fmt.Errorf("%w: delegation maxDurationHours must not be negative", ErrValidation)
	}
	return nil
}

// --- submission ---

// SubmitInput is a new approval request as received from a source system.
type SubmitInput struct {
	TenantID        string          `json:"tenantId"`
	RequestType     string          `json:"requestType"`
	RequestCategory string          `json:"requestCategory"`
	SourceRef       string          `json:"sourceRef"`
	RequesterID     string          `json:"requesterId"`
	Amount          *float64        `json:"amount,omitempty"`
	Currency        string          `json:"currency,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        string          `json:"priority,omitempty"`
	Impact          string          `json:"impact,omitempty"`
	Urgency         string          `json:"urgency,omitempty"`
}

func (in *SubmitInput) validate() error {
	if in.TenantID == "" {
		return fmt.Errorf("%w: tenantId required", ErrValidation)
	}
	if in.RequestType == "" {
		return fmt.Errorf("%w: requestType required", ErrValidation)
	}
	if in.RequesterID == "" {
		return fmt.Errorf("%w: requesterId required", ErrValidation)
	}
	if in.Amount != nil && *in.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if len(in.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, maxPayloadBytes)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	return nil
}

func (in *SubmitInput) attributes() condition.Attributes {
	attrs := condition.Attributes{
		RequestType: in.RequestType,
		Category:    in.RequestCategory,
		Amount:      in.Amount,
		Currency:    in.Currency,
	}
	if len(in.Payload) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(in.Payload, &m); err == nil {
			attrs.Payload = m
		}
	}
	return attrs
}

// Submit resolves a workflow template, freezes its approval path and creates
// the request with all its level rows in one atomic write. When the template's
// auto-approval rule matches, the request is created already approved with
// zero levels.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*model.ApprovalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	attrs := in.attributes()

	tmpl, err := e.resolveTemplate(ctx, in.TenantID, in.RequestType, in.RequestCategory, attrs, now)
	if err != nil {
		return nil, err
	}

	req := &model.ApprovalRequest{
		ID:              model.NewUUID(),
		TenantID:        in.TenantID,
		RequestType:     in.RequestType,
		RequestCategory: in.RequestCategory,
		SourceRef:       in.SourceRef,
		Payload:         in.Payload,
		RequesterID:     in.RequesterID,
		Amount:          in.Amount,
		Currency:        in.Currency,
		TemplateID:      tmpl.ID,
		SLAStatus:       model.SLAOnTime,
		MaxEscalations:  tmpl.MaxEscalations,
		Priority:        in.Priority,
		Impact:          in.Impact,
		Urgency:         in.Urgency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created := &model.DecisionHistoryEntry{
		ID:        model.NewUUID(),
		TenantID:  in.TenantID,
		RequestID: req.ID,
		EntryType: model.HistoryCreated,
		ActorID:   in.RequesterID,
		NewStatus: string(model.RequestPending),
		CreatedAt: now,
	}

	if autoApproves(tmpl, attrs) {
		req.Status = model.RequestApproved
		req.CurrentLevel = 0
		req.TotalLevels = 0
		req.Deadline = now
		actor := systemActor
		req.FinalApproverID = &actor
		req.FinalDecidedAt = &now

		auto := &model.DecisionHistoryEntry{
			ID:         model.NewUUID(),
			TenantID:   in.TenantID,
			RequestID:  req.ID,
			EntryType:  model.HistoryAutoApproved,
			ActorID:    systemActor,
			PrevStatus: string(model.RequestPending),
			NewStatus:  string(model.RequestApproved),
			CreatedAt:  now,
		}
		events := []*model.OutboxEvent{
			e.decisionEvent(req, now),
			e.notificationEvent(req, in.RequesterID, model.NotifyApproved, now),
		}
		entries := []*model.DecisionHistoryEntry{created, auto}
		if err := e.store.CreateRequest(ctx, req, nil, entries, events); err != nil {
			return nil, mapStoreErr(err)
		}
		log.Printf("[engine] request auto-approved tenant=%s id=%s template=%s", req.TenantID, req.ID, tmpl.ID)
		return req, nil
	}

	// Freeze the approval path with resolved SLA hours so later passes never
	// read back through the (mutable) template.
	path := make([]model.LevelSpec, len(tmpl.Levels))
	levels := make([]*model.LevelAction, len(tmpl.Levels))
	var totalSLA time.Duration
	for i, spec := range tmpl.Levels {
		frozen := spec
		frozen.SLAHours = tmpl.LevelSLAHours(spec)
		path[i] = frozen
		due := now.Add(time.Duration(frozen.SLAHours) * time.Hour)
		totalSLA += time.Duration(frozen.SLAHours) * time.Hour
		levels[i] = &model.LevelAction{
			ID:        model.NewUUID(),
			RequestID: req.ID,
			TenantID:  in.TenantID,
			Level:     i + 1,
			Name:      frozen.Name,
			Approver:  frozen.Approver,
			Status:    model.LevelPending,
			DueDate:   due,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	req.Status = model.RequestPending
	req.CurrentLevel = 1
	req.TotalLevels = len(path)
	req.ApprovalPath = path
	req.Deadline = now.Add(totalSLA)

	events := e.notifyApprovers(ctx, req, path[0].Approver, model.NotifyPending, now)
	if err := e.store.CreateRequest(ctx, req, levels, []*model.DecisionHistoryEntry{created}, events); err != nil {
		return nil, mapStoreErr(err)
	}
	log.Printf("[engine] request created tenant=%s id=%s template=%s levels=%d deadline=%s",
		req.TenantID, req.ID, tmpl.ID, req.TotalLevels, req.Deadline.Format(time.RFC3339))
	return req, nil
}

// autoApproves reports whether the template's auto-approval rule matches the
// request. A predicate and an amount threshold may both be configured; every
// configured part must pass.
func autoApproves(tmpl *model.WorkflowTemplate, attrs condition.Attributes) bool {
	if tmpl.AutoApprove == nil && tmpl.AutoApproveMax == nil {
		return false
	}
	if tmpl.AutoApprove != nil {
		ok, err := tmpl.AutoApprove.Evaluate(attrs)
		if err != nil || !ok {
			return false
		}
	}
	if tmpl.AutoApproveMax != nil {
		if attrs.Amount == nil || *attrs.Amount > *tmpl.AutoApproveMax {
			return false
		}
	}
	return true
}

// --- reads ---

// GetRequest fetches a request scoped to a tenant.
func (e *Engine) GetRequest(ctx context.Context, tenantID, id string) (*model.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, tenantID, id)
	return req, mapStoreErr(err)
}

// ListLevels returns the level rows of a request in level order.
func (e *Engine) ListLevels(ctx context.Context, tenantID, requestID string) ([]*model.LevelAction, error) {
	if _, err := e.GetRequest(ctx, tenantID, requestID); err != nil {
		return nil, err
	}
	levels, err := e.store.ListLevels(ctx, requestID)
	return levels, mapStoreErr(err)
}

// ListHistory returns the append-only ledger of a request in insertion order.
func (e *Engine) ListHistory(ctx context.Context, tenantID, requestID string) ([]*model.DecisionHistoryEntry, error) {
	if _, err := e.GetRequest(ctx, tenantID, requestID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListHistory(ctx, requestID)
	return entries, mapStoreErr(err)
}

// Inbox returns the decidable levels of a tenant's active requests.
func (e *Engine) Inbox(ctx context.Context, tenantID string) ([]*model.LevelAction, error) {
	levels, err := e.store.ListDecidableLevels(ctx, tenantID)
	return levels, mapStoreErr(err)
}

// --- event helpers ---

func (e *Engine) decisionEvent(req *model.ApprovalRequest, now time.Time) *model.OutboxEvent {
	final := ""
	if req.FinalApproverID != nil {
		final = *req.FinalApproverID
	}
	payload, _ := json.Marshal(model.DecisionCompletedPayload{
		RequestID:       req.ID,
		FinalStatus:     req.Status,
		FinalApproverID: final,
	})
	return &model.OutboxEvent{
		ID:        model.NewUUID(),
		TenantID:  req.TenantID,
		RequestID: req.ID,
		EventType: model.EventDecisionCompleted,
		Payload:   payload,
		Status:    model.OutboxPending,
		CreatedAt: now,
	}
}

func (e *Engine) notificationEvent(req *model.ApprovalRequest, recipient string, reason model.NotificationReason, now time.Time) *model.OutboxEvent {
	payload, _ := json.Marshal(model.NotificationPayload{
		RecipientID: recipient,
		RequestID:   req.ID,
		Reason:      reason,
	})
	return &model.OutboxEvent{
		ID:        model.NewUUID(),
		TenantID:  req.TenantID,
		RequestID: req.ID,
		EventType: model.EventNotificationRequested,
		Payload:   payload,
		Status:    model.OutboxPending,
		CreatedAt: now,
	}
}

// notifyApprovers resolves an approver spec to concrete identities and builds
// one notification event per recipient. Directory failures degrade to a log
// line and an empty slice.
func (e *Engine) notifyApprovers(ctx context.Context, req *model.ApprovalRequest, spec approver.Spec, reason model.NotificationReason, now time.Time) []*model.OutboxEvent {
	recipients, err := e.directory.ResolveApprovers(ctx, req.TenantID, spec)
	if err != nil {
		log.Printf("[engine] directory resolve failed tenant=%s request=%s spec=%s: %v",
			req.TenantID, req.ID, spec, err)
		return nil
	}
	events := make([]*model.OutboxEvent, 0, len(recipients))
	for _, r := range recipients {
		events = append(events, e.notificationEvent(req, r, reason, now))
	}
	return events
}

func (e *Engine) computeSLA(deadline time.Time, now time.Time) model.SLAStatus {
	switch {
	case now.After(deadline):
		return model.SLAOverdue
	case deadline.Sub(now) <= e.atRiskWindow:
		return model.SLAAtRisk
	default:
		return model.SLAOnTime
	}
}
