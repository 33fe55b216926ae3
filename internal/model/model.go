// Package model contains the canonical domain records of the approval engine.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/condition"
)

// RequestStatus is the lifecycle status of an ApprovalRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestInReview  RequestStatus = "in_review"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
	RequestWithdrawn RequestStatus = "withdrawn"
)

// Terminal reports whether a request in this status can never change again.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestApproved, RequestRejected, RequestCancelled, RequestExpired, RequestWithdrawn:
		return true
	}
	return false
}

// LevelStatus is the lifecycle status of a single LevelAction.
type LevelStatus string

const (
	LevelPending   LevelStatus = "pending"
	LevelApproved  LevelStatus = "approved"
	LevelRejected  LevelStatus = "rejected"
	LevelDelegated LevelStatus = "delegated"
	LevelSkipped   LevelStatus = "skipped"
	LevelEscalated LevelStatus = "escalated"
)

// Decidable reports whether a level in this status can still receive a decision.
// Delegated and escalated levels remain in active processing; the delegate or
// the escalation target is the identity expected to act.
func (s LevelStatus) Decidable() bool {
	return s == LevelPending || s == LevelDelegated || s == LevelEscalated
}

// SLAStatus classifies a request's freshness relative to its deadline.
type SLAStatus string

const (
	SLAOnTime  SLAStatus = "on_time"
	SLAAtRisk  SLAStatus = "at_risk"
	SLAOverdue SLAStatus = "overdue"
)

// LevelSpec is one step of a template's approval chain. A request's frozen
// approval path is an ordered copy of these.
type LevelSpec struct {
	Name     string        `json:"name"`
	Approver approver.Spec `json:"approver"`
	SLAHours int           `json:"slaHours,omitempty"` // template default when zero
}

// EscalationTarget is where a stalled level is reassigned for one escalation
// step. When escalationLevel exceeds the configured list, the last target
// applies.
type EscalationTarget struct {
	Approver approver.Spec `json:"approver"`
	SLAHours int           `json:"slaHours"`
}

// DelegationRule controls whether, and for how long, approvers of a template
// may hand their decision authority to another identity.
type DelegationRule struct {
	Allowed          bool `json:"allowed"`
	MaxDurationHours int  `json:"maxDurationHours,omitempty"`
}

// WorkflowTemplate is the tenant-scoped routing configuration. Templates are
// mutable; requests copy the level specs at instantiation and never read
// back through the template.
type WorkflowTemplate struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenantId"`
	Name            string                `json:"name"`
	RequestType     string                `json:"requestType"`
	RequestCategory string                `json:"requestCategory"`
	Condition       *condition.Condition  `json:"condition,omitempty"`
	Levels          []LevelSpec           `json:"levels"`
	Escalations     []EscalationTarget    `json:"escalations,omitempty"`
	Delegation      DelegationRule        `json:"delegation"`
	AutoApprove     *condition.Condition  `json:"autoApprove,omitempty"`
	AutoApproveMax  *float64              `json:"autoApproveMax,omitempty"` // amount threshold
	Priority        int                   `json:"priority"`                 // lower evaluates first; unique per tenant/type/category
	IsDefault       bool                  `json:"isDefault"`
	Active          bool                  `json:"active"`
	ValidFrom       *time.Time            `json:"validFrom,omitempty"`
	ValidUntil      *time.Time            `json:"validUntil,omitempty"`
	DefaultSLAHours int                   `json:"defaultSlaHours"`
	MaxEscalations  int                   `json:"maxEscalations"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// ValidAt reports whether the template may be used at the given instant.
func (t *WorkflowTemplate) ValidAt(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.ValidFrom != nil && now.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidUntil != nil && now.After(*t.ValidUntil) {
		return false
	}
	return true
}

// LevelSLAHours returns the effective SLA for a level spec, falling back to
// the template default.
func (t *WorkflowTemplate) LevelSLAHours(spec LevelSpec) int {
	if spec.SLAHours > 0 {
		return spec.SLAHours
	}
	return t.DefaultSLAHours
}

// EscalationTargetFor returns the target for the given escalation level
// (1-based). The last configured target is reused past the end of the list;
// ok is false when no targets are configured at all.
func (t *WorkflowTemplate) EscalationTargetFor(escalationLevel int) (EscalationTarget, bool) {
	if len(t.Escalations) == 0 {
		return EscalationTarget{}, false
	}
	idx := escalationLevel - 1
	if idx >= len(t.Escalations) {
		idx = len(t.Escalations) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return t.Escalations[idx], true
}

// ApprovalRequest is one unit of work needing sign-off.
type ApprovalRequest struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	RequestType     string          `json:"requestType"`
	RequestCategory string          `json:"requestCategory"`
	SourceRef       string          `json:"sourceRef,omitempty"` // originating domain entity
	Payload         json.RawMessage `json:"payload,omitempty"`   // copied at creation, never re-fetched
	RequesterID     string          `json:"requesterId"`
	Amount          *float64        `json:"amount,omitempty"`
	Currency        string          `json:"currency,omitempty"`
	Status          RequestStatus   `json:"status"`
	CurrentLevel    int             `json:"currentLevel"`
	TotalLevels     int             `json:"totalLevels"`
	TemplateID      string          `json:"templateId"`
	ApprovalPath    []LevelSpec     `json:"approvalPath"` // frozen snapshot
	Deadline        time.Time       `json:"deadline"`
	SLAStatus       SLAStatus       `json:"slaStatus"`
	EscalationLevel int             `json:"escalationLevel"`
	MaxEscalations  int             `json:"maxEscalations"`
	Intervention    bool            `json:"interventionRequired"`
	Priority        string          `json:"priority,omitempty"`
	Impact          string          `json:"impact,omitempty"`
	Urgency         string          `json:"urgency,omitempty"`
	FinalApproverID *string         `json:"finalApproverId,omitempty"`
	FinalDecidedAt  *time.Time      `json:"finalDecidedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// LevelAction is the unit of decision: one row per (request, level).
type LevelAction struct {
	ID               string         `json:"id"`
	RequestID        string         `json:"requestId"`
	TenantID         string         `json:"tenantId"`
	Level            int            `json:"level"`
	Name             string         `json:"name"`
	Approver         approver.Spec  `json:"approver"`
	Status           LevelStatus    `json:"status"`
	ActedBy          *string        `json:"actedBy,omitempty"`
	ActedAt          *time.Time     `json:"actedAt,omitempty"`
	Rationale        *string        `json:"rationale,omitempty"`
	DelegatedTo      *string        `json:"delegatedTo,omitempty"`
	DelegationExpiry *time.Time     `json:"delegationExpiry,omitempty"`
	DelegationReason *string        `json:"delegationReason,omitempty"`
	DueDate          time.Time      `json:"dueDate"`
	ResponseTime     *time.Duration `json:"responseTime,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// HistoryType identifies what a DecisionHistoryEntry records.
type HistoryType string

const (
	HistoryCreated           HistoryType = "created"
	HistoryAutoApproved      HistoryType = "auto_approved"
	HistoryApproved          HistoryType = "approved"
	HistoryRejected          HistoryType = "rejected"
	HistoryDelegated         HistoryType = "delegated"
	HistoryDelegationExpired HistoryType = "delegation_expired"
	HistorySkipped           HistoryType = "skipped"
	HistoryEscalated         HistoryType = "escalated"
	HistorySLAUpdated        HistoryType = "sla_updated"
	HistoryIntervention      HistoryType = "intervention_flagged"
	HistoryExceptionGranted  HistoryType = "exception_granted"
	HistoryExceptionApplied  HistoryType = "exception_applied"
	HistoryCancelled         HistoryType = "cancelled"
	HistoryWithdrawn         HistoryType = "withdrawn"
	HistoryExpired           HistoryType = "expired"
)

// DecisionHistoryEntry is one append-only ledger row. Entries are never
// mutated or deleted; the ledger is the sole source of truth for what
// happened to a request.
type DecisionHistoryEntry struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	RequestID  string      `json:"requestId"`
	Level      *int        `json:"level,omitempty"`
	EntryType  HistoryType `json:"entryType"`
	ActorID    string      `json:"actorId"`
	PrevStatus string      `json:"prevStatus,omitempty"`
	NewStatus  string      `json:"newStatus,omitempty"`
	Rationale  *string     `json:"rationale,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// RuleException records an authorized bypass of normal routing. The bypass is
// never silent: the exception row plus an exception_applied ledger entry are
// the audit trail.
type RuleException struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	RequestID      string    `json:"requestId"`
	AuthorizedBy   string    `json:"authorizedBy"`
	SupersededRule string    `json:"supersededRule"`
	AppliedRule    string    `json:"appliedRule"`
	Reason         string    `json:"reason"`
	PostAuditDue   bool      `json:"postAuditDue"` // mandatory post-hoc review flag
	Consumed       bool      `json:"consumed"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EventType identifies an outbound event kind.
type EventType string

const (
	EventDecisionCompleted     EventType = "decision.completed"
	EventNotificationRequested EventType = "notification.requested"
)

// NotificationReason classifies why a notification was requested.
type NotificationReason string

const (
	NotifyPending   NotificationReason = "pending"
	NotifyApproved  NotificationReason = "approved"
	NotifyRejected  NotificationReason = "rejected"
	NotifyEscalated NotificationReason = "escalated"
	NotifyReminder  NotificationReason = "reminder"
)

// OutboxStatus is the dispatch state of an OutboxEvent.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInProgress OutboxStatus = "in_progress"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEvent is a durable outbound event row, written in the same
// transaction as the transition that caused it and published asynchronously
// by the dispatcher. The engine records the intent only; delivery belongs to
// external subsystems.
type OutboxEvent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	RequestID   string          `json:"requestId"`
	EventType   EventType       `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"lastError,omitempty"`
	ArchivedKey *string         `json:"archivedKey,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
}

// NotificationPayload is the payload of a notification.requested event.
type NotificationPayload struct {
	RecipientID string             `json:"recipientId"`
	RequestID   string             `json:"requestId"`
	Reason      NotificationReason `json:"reason"`
}

// DecisionCompletedPayload is the payload of a decision.completed event.
type DecisionCompletedPayload struct {
	RequestID       string                 `json:"requestId"`
	FinalStatus     RequestStatus          `json:"finalStatus"`
	FinalApproverID string                 `json:"finalApproverId,omitempty"`
	History         []DecisionHistoryEntry `json:"decisionHistory"`
}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
