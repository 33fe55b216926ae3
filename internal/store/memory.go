package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/scholaris/approval-engine/internal/model"
)

// MemoryStore is an in-memory Store used by tests and as the dev fallback
// when no DATABASE_URL is configured. A single mutex makes every transition
// the same atomic unit the Postgres transaction provides.
type MemoryStore struct {
	mu         sync.RWMutex
	templates  map[string]*model.WorkflowTemplate
	requests   map[string]*model.ApprovalRequest
	levels     map[string]map[int]*model.LevelAction // requestID -> level
	history    map[string][]*model.DecisionHistoryEntry
	exceptions map[string][]*model.RuleException // requestID -> exceptions
	outbox     []*model.OutboxEvent
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:  map[string]*model.WorkflowTemplate{},
		requests:   map[string]*model.ApprovalRequest{},
		levels:     map[string]map[int]*model.LevelAction{},
		history:    map[string][]*model.DecisionHistoryEntry{},
		exceptions: map[string][]*model.RuleException{},
	}
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyTemplate(t *model.WorkflowTemplate) *model.WorkflowTemplate {
	cp := *t
	cp.Levels = append([]model.LevelSpec(nil), t.Levels...)
	cp.Escalations = append([]model.EscalationTarget(nil), t.Escalations...)
	if t.Condition != nil {
		c := *t.Condition
		cp.Condition = &c
	}
	if t.AutoApprove != nil {
		c := *t.AutoApprove
		cp.AutoApprove = &c
	}
	return &cp
}

func copyRequest(r *model.ApprovalRequest) *model.ApprovalRequest {
	cp := *r
	cp.Payload = copyRaw(r.Payload)
	cp.ApprovalPath = append([]model.LevelSpec(nil), r.ApprovalPath...)
	return &cp
}

func copyLevel(l *model.LevelAction) *model.LevelAction {
	cp := *l
	return &cp
}

func copyEntry(e *model.DecisionHistoryEntry) *model.DecisionHistoryEntry {
	cp := *e
	return &cp
}

func copyEvent(e *model.OutboxEvent) *model.OutboxEvent {
	cp := *e
	cp.Payload = copyRaw(e.Payload)
	return &cp
}

// --- templates ---

func (m *MemoryStore) CreateTemplate(_ context.Context, t *model.WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = model.NewUUID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	for _, other := range m.templates {
		if other.TenantID == t.TenantID &&
			other.RequestType == t.RequestType &&
			other.RequestCategory == t.RequestCategory &&
			other.Priority == t.Priority {
			return ErrDuplicatePriority
		}
	}
	m.templates[t.ID] = copyTemplate(t)
	return nil
}

func (m *MemoryStore) UpdateTemplate(_ context.Context, t *model.WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.templates[t.ID]
	if !ok || existing.TenantID != t.TenantID {
		return ErrNotFound
	}
	for _, other := range m.templates {
		if other.ID != t.ID &&
			other.TenantID == t.TenantID &&
			other.RequestType == t.RequestType &&
			other.RequestCategory == t.RequestCategory &&
			other.Priority == t.Priority {
			return ErrDuplicatePriority
		}
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	m.templates[t.ID] = copyTemplate(t)
	return nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, tenantID, id string) (*model.WorkflowTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyTemplate(t), nil
}

func (m *MemoryStore) ListCandidateTemplates(_ context.Context, tenantID, requestType, category string) ([]*model.WorkflowTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WorkflowTemplate
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.Active &&
			t.RequestType == requestType && t.RequestCategory == category {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemoryStore) GetDefaultTemplate(_ context.Context, tenantID string) (*model.WorkflowTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.Active && t.IsDefault {
			return copyTemplate(t), nil
		}
	}
	return nil, ErrNotFound
}

// --- requests ---

func (m *MemoryStore) CreateRequest(_ context.Context, req *model.ApprovalRequest, levels []*model.LevelAction, history []*model.DecisionHistoryEntry, events []*model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = copyRequest(req)
	byLevel := map[int]*model.LevelAction{}
	for _, l := range levels {
		byLevel[l.Level] = copyLevel(l)
	}
	m.levels[req.ID] = byLevel
	for _, e := range history {
		m.history[req.ID] = append(m.history[req.ID], copyEntry(e))
	}
	for _, ev := range events {
		m.outbox = append(m.outbox, copyEvent(ev))
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, tenantID, id string) (*model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) GetLevel(_ context.Context, requestID string, level int) (*model.LevelAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.levels[requestID][level]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLevel(l), nil
}

func (m *MemoryStore) ListLevels(_ context.Context, requestID string) ([]*model.LevelAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.LevelAction
	for _, l := range m.levels[requestID] {
		out = append(out, copyLevel(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// applyRequestUpdate mutates r in place from u.
func applyRequestUpdate(r *model.ApprovalRequest, u RequestUpdate, now time.Time) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.CurrentLevel != nil {
		r.CurrentLevel = *u.CurrentLevel
	}
	if u.EscalationLevel != nil {
		r.EscalationLevel = *u.EscalationLevel
	}
	if u.SLAStatus != nil {
		r.SLAStatus = *u.SLAStatus
	}
	if u.Intervention != nil {
		r.Intervention = *u.Intervention
	}
	if u.FinalApproverID != nil {
		r.FinalApproverID = u.FinalApproverID
	}
	if u.FinalDecidedAt != nil {
		r.FinalDecidedAt = u.FinalDecidedAt
	}
	r.UpdatedAt = now
}

func (m *MemoryStore) ApplyLevelTransition(_ context.Context, tr LevelTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[tr.RequestID]
	if !ok || req.TenantID != tr.TenantID {
		return ErrNotFound
	}
	if req.Status.Terminal() {
		return ErrTerminal
	}
	lvl, ok := m.levels[tr.RequestID][tr.Level]
	if !ok {
		return ErrNotFound
	}
	if lvl.Status != tr.ExpectStatus {
		return ErrConflict
	}

	now := time.Now().UTC()
	lvl.Status = tr.NewStatus
	if tr.ActedBy != nil {
		lvl.ActedBy = tr.ActedBy
	}
	if tr.ActedAt != nil {
		lvl.ActedAt = tr.ActedAt
	}
	if tr.Rationale != nil {
		lvl.Rationale = tr.Rationale
	}
	if tr.ResponseTime != nil {
		lvl.ResponseTime = tr.ResponseTime
	}
	if tr.DelegatedTo != nil {
		lvl.DelegatedTo = tr.DelegatedTo
	}
	if tr.DelegationExpiry != nil {
		lvl.DelegationExpiry = tr.DelegationExpiry
	}
	if tr.DelegationReason != nil {
		lvl.DelegationReason = tr.DelegationReason
	}
	if tr.ClearDelegation {
		lvl.DelegatedTo = nil
		lvl.DelegationExpiry = nil
		lvl.DelegationReason = nil
	}
	if tr.NewApprover != nil {
		lvl.Approver = *tr.NewApprover
	}
	if tr.NewDueDate != nil {
		lvl.DueDate = *tr.NewDueDate
	}
	lvl.UpdatedAt = now

	if tr.ConsumeExceptionID != "" {
		for _, ex := range m.exceptions[tr.RequestID] {
			if ex.ID == tr.ConsumeExceptionID {
				ex.Consumed = true
			}
		}
	}
	if tr.Request != nil {
		applyRequestUpdate(req, *tr.Request, now)
	}
	for _, e := range tr.History {
		m.history[tr.RequestID] = append(m.history[tr.RequestID], copyEntry(e))
	}
	for _, ev := range tr.Events {
		m.outbox = append(m.outbox, copyEvent(ev))
	}
	return nil
}

func (m *MemoryStore) ApplyRequestTransition(_ context.Context, tr RequestTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[tr.RequestID]
	if !ok || req.TenantID != tr.TenantID {
		return ErrNotFound
	}
	if req.Status.Terminal() {
		return ErrTerminal
	}
	if len(tr.ExpectStatus) > 0 {
		matched := false
		for _, s := range tr.ExpectStatus {
			if req.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return ErrConflict
		}
	}
	if tr.ExpectSLAStatus != nil && req.SLAStatus != *tr.ExpectSLAStatus {
		return ErrConflict
	}
	if tr.ExpectIntervention != nil && req.Intervention != *tr.ExpectIntervention {
		return ErrConflict
	}

	applyRequestUpdate(req, tr.Update, time.Now().UTC())
	for _, e := range tr.History {
		m.history[tr.RequestID] = append(m.history[tr.RequestID], copyEntry(e))
	}
	for _, ev := range tr.Events {
		m.outbox = append(m.outbox, copyEvent(ev))
	}
	return nil
}

// --- sweeper worklists ---

func (m *MemoryStore) ListActiveRequests(_ context.Context, limit int) ([]*model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ApprovalRequest
	for _, r := range m.requests {
		if !r.Status.Terminal() {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOverdueLevels(_ context.Context, now time.Time, limit int) ([]*model.LevelAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.LevelAction
	for reqID, byLevel := range m.levels {
		req := m.requests[reqID]
		if req == nil || req.Status.Terminal() {
			continue
		}
		for _, l := range byLevel {
			if (l.Status == model.LevelPending || l.Status == model.LevelEscalated) && l.DueDate.Before(now) {
				out = append(out, copyLevel(l))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredDelegations(_ context.Context, now time.Time, limit int) ([]*model.LevelAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.LevelAction
	for reqID, byLevel := range m.levels {
		req := m.requests[reqID]
		if req == nil || req.Status.Terminal() {
			continue
		}
		for _, l := range byLevel {
			if l.Status == model.LevelDelegated && l.DelegationExpiry != nil && l.DelegationExpiry.Before(now) {
				out = append(out, copyLevel(l))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ledger ---

func (m *MemoryStore) ListHistory(_ context.Context, requestID string) ([]*model.DecisionHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[requestID]
	out := make([]*model.DecisionHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// --- exceptions ---

func (m *MemoryStore) CreateRuleException(_ context.Context, ex *model.RuleException, history *model.DecisionHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[ex.RequestID]; !ok {
		return ErrNotFound
	}
	if ex.ID == "" {
		ex.ID = model.NewUUID()
	}
	ex.CreatedAt = time.Now().UTC()
	cp := *ex
	m.exceptions[ex.RequestID] = append(m.exceptions[ex.RequestID], &cp)
	if history != nil {
		m.history[ex.RequestID] = append(m.history[ex.RequestID], copyEntry(history))
	}
	return nil
}

func (m *MemoryStore) GetOpenRuleException(_ context.Context, requestID string) (*model.RuleException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.exceptions[requestID] {
		if !ex.Consumed {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- inbox ---

func (m *MemoryStore) ListDecidableLevels(_ context.Context, tenantID string) ([]*model.LevelAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.LevelAction
	for reqID, byLevel := range m.levels {
		req := m.requests[reqID]
		if req == nil || req.TenantID != tenantID || req.Status.Terminal() {
			continue
		}
		if l, ok := byLevel[req.CurrentLevel]; ok && l.Status.Decidable() {
			out = append(out, copyLevel(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

// --- outbox ---

func (m *MemoryStore) FetchPendingEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboxEvent
	for _, ev := range m.outbox {
		if ev.Status != model.OutboxPending {
			continue
		}
		ev.Status = model.OutboxInProgress
		ev.Attempts++
		claimed := time.Now().UTC()
		ev.ClaimedAt = &claimed
		out = append(out, copyEvent(ev))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEventResult(_ context.Context, id string, archivedKey *string, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.ID != id {
			continue
		}
		if ok {
			now := time.Now().UTC()
			ev.Status = model.OutboxSent
			ev.SentAt = &now
			ev.ArchivedKey = archivedKey
			ev.LastError = nil
		} else {
			ev.Status = model.OutboxPending // retried on a later pass
			if errMsg != "" {
				msg := errMsg
				ev.LastError = &msg
			}
		}
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) RequeueStaleEvents(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.outbox {
		if ev.Status != model.OutboxInProgress || ev.ClaimedAt == nil || !ev.ClaimedAt.Before(cutoff) {
			continue
		}
		ev.Status = model.OutboxPending
		ev.ClaimedAt = nil
		n++
	}
	return n, nil
}

func (m *MemoryStore) MarkEventFailed(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.ID != id {
			continue
		}
		ev.Status = model.OutboxFailed
		if errMsg != "" {
			msg := errMsg
			ev.LastError = &msg
		}
		return nil
	}
	return ErrNotFound
}

// PendingOutbox returns a snapshot of undelivered events; used by tests.
func (m *MemoryStore) PendingOutbox() []*model.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.OutboxEvent
	for _, ev := range m.outbox {
		if ev.Status == model.OutboxPending || ev.Status == model.OutboxInProgress {
			out = append(out, copyEvent(ev))
		}
	}
	return out
}

// AllOutbox returns every outbox row; used by tests.
func (m *MemoryStore) AllOutbox() []*model.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.OutboxEvent, 0, len(m.outbox))
	for _, ev := range m.outbox {
		out = append(out, copyEvent(ev))
	}
	return out
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
