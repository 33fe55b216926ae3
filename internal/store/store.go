// Package store defines the persistence abstraction for the approval engine
// and its Postgres and in-memory implementations. All level and request state
// changes flow through two guarded transition primitives so that foreground
// decisions and the background sweeper share a single source of mutual
// exclusion.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record cannot be located.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded transition loses its
	// compare-and-set: the row's current status no longer matches the
	// expected one.
	ErrConflict = errors.New("conflict: status changed concurrently")

	// ErrTerminal is returned when a transition targets a request that has
	// already reached a terminal status.
	ErrTerminal = errors.New("request is terminal")

	// ErrDuplicatePriority is returned at template creation when another
	// template for the same tenant/type/category already holds the priority.
	ErrDuplicatePriority = errors.New("duplicate template priority")
)

// RequestUpdate is the set of request-row fields a transition may change.
// Nil fields are left untouched.
type RequestUpdate struct {
	Status          *model.RequestStatus
	CurrentLevel    *int
	EscalationLevel *int
	SLAStatus       *model.SLAStatus
	Intervention    *bool
	FinalApproverID *string
	FinalDecidedAt  *time.Time
}

// LevelTransition is one atomic unit of level mutation: a compare-and-set on
// the level's current status, an optional request-row update, exactly one
// ledger entry, and any outbound events. Either all of it becomes durable or
// none of it does; in particular a decision is never applied without its
// history entry.
type LevelTransition struct {
	TenantID  string
	RequestID string
	Level     int

	// ExpectStatus guards the compare-and-set. A mismatch yields ErrConflict.
	ExpectStatus model.LevelStatus
	NewStatus    model.LevelStatus

	ActedBy      *string
	ActedAt      *time.Time
	Rationale    *string
	ResponseTime *time.Duration

	// Delegation fields; ClearDelegation resets them (delegation expiry).
	DelegatedTo      *string
	DelegationExpiry *time.Time
	DelegationReason *string
	ClearDelegation  bool

	// Escalation reassignment.
	NewApprover *approver.Spec
	NewDueDate  *time.Time

	// ConsumeExceptionID marks a rule exception as used within the same
	// transaction (rejection continuation).
	ConsumeExceptionID string

	Request *RequestUpdate
	History []*model.DecisionHistoryEntry
	Events  []*model.OutboxEvent
}

// RequestTransition is the request-level counterpart of LevelTransition,
// used for withdraw/cancel/expire, SLA refresh and intervention flagging.
type RequestTransition struct {
	TenantID  string
	RequestID string

	// ExpectStatus, when non-empty, guards the request's current status.
	ExpectStatus []model.RequestStatus
	// ExpectSLAStatus, when set, guards the stored SLA classification so
	// sweeper writes stay idempotent.
	ExpectSLAStatus *model.SLAStatus
	// ExpectIntervention, when set, guards the intervention flag.
	ExpectIntervention *bool

	Update  RequestUpdate
	History []*model.DecisionHistoryEntry
	Events  []*model.OutboxEvent
}

// Store is the durable state behind the engine. Postgres in production,
// memory for dev and tests.
type Store interface {
	// Templates.
	CreateTemplate(ctx context.Context, t *model.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, t *model.WorkflowTemplate) error
	GetTemplate(ctx context.Context, tenantID, id string) (*model.WorkflowTemplate, error)
	// ListCandidateTemplates returns active templates for the tenant and
	// type/category ordered ascending by priority. Validity windows are
	// checked by the resolver.
	ListCandidateTemplates(ctx context.Context, tenantID, requestType, category string) ([]*model.WorkflowTemplate, error)
	GetDefaultTemplate(ctx context.Context, tenantID string) (*model.WorkflowTemplate, error)

	// Requests. CreateRequest persists the request, all level rows, the
	// initial ledger entries and initial events as one atomic unit.
	CreateRequest(ctx context.Context, req *model.ApprovalRequest, levels []*model.LevelAction, history []*model.DecisionHistoryEntry, events []*model.OutboxEvent) error
	GetRequest(ctx context.Context, tenantID, id string) (*model.ApprovalRequest, error)
	GetLevel(ctx context.Context, requestID string, level int) (*model.LevelAction, error)
	ListLevels(ctx context.Context, requestID string) ([]*model.LevelAction, error)

	// Guarded transitions.
	ApplyLevelTransition(ctx context.Context, tr LevelTransition) error
	ApplyRequestTransition(ctx context.Context, tr RequestTransition) error

	// Sweeper worklists.
	ListActiveRequests(ctx context.Context, limit int) ([]*model.ApprovalRequest, error)
	ListOverdueLevels(ctx context.Context, now time.Time, limit int) ([]*model.LevelAction, error)
	ListExpiredDelegations(ctx context.Context, now time.Time, limit int) ([]*model.LevelAction, error)

	// Ledger.
	ListHistory(ctx context.Context, requestID string) ([]*model.DecisionHistoryEntry, error)

	// Rule exceptions.
	CreateRuleException(ctx context.Context, ex *model.RuleException, history *model.DecisionHistoryEntry) error
	GetOpenRuleException(ctx context.Context, requestID string) (*model.RuleException, error)

	// Approver inbox: decidable levels of active requests for a tenant.
	ListDecidableLevels(ctx context.Context, tenantID string) ([]*model.LevelAction, error)

	// Outbox. FetchPendingEvents claims up to limit pending events
	// (attempts incremented, status in_progress); MarkEventResult records
	// the dispatch outcome, returning failures to pending for retry.
	// MarkEventFailed permanently fails a row that can never be dispatched.
	// RequeueStaleEvents returns in_progress rows claimed before cutoff to
	// pending, recovering claims orphaned by a dispatcher crash.
	FetchPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkEventResult(ctx context.Context, id string, archivedKey *string, ok bool, errMsg string) error
	MarkEventFailed(ctx context.Context, id string, errMsg string) error
	RequeueStaleEvents(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
}
