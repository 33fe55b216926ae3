package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

// Decision is an approver's verb on a level.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionDelegate Decision = "delegate"
	DecisionSkip     Decision = "skip"
)

// DecisionInput is one decision on one level of one request.
type DecisionInput struct {
	TenantID  string
	RequestID string
	Level     int
	ActorID   string
	Decision  Decision
	Rationale string

	// Delegation only.
	DelegateTo      string
	DelegationHours int
}

func (in *DecisionInput) validate() error {
	if in.TenantID == "" || in.RequestID == "" || in.ActorID == "" {
		return fmt.Errorf("%w: tenantId, requestId and actorId required", ErrValidation)
	}
	if in.Level < 1 {
		return fmt.Errorf("%w: level must be positive", ErrValidation)
	}
	switch in.Decision {
	case DecisionApprove:
	case DecisionReject:
		if in.Rationale == "" {
			return fmt.Errorf("%w: rejection requires a rationale", ErrValidation)
		}
	case DecisionSkip:
		if in.Rationale == "" {
			return fmt.Errorf("%w: skip requires a rationale", ErrValidation)
		}
	case DecisionDelegate:
		if in.DelegateTo == "" {
			return fmt.Errorf("%w: delegation requires delegateTo", ErrValidation)
		}
		if in.DelegateTo == in.ActorID {
			return fmt.Errorf("%w: cannot delegate to oneself", ErrValidation)
		}
		if in.DelegationHours < 0 {
			return fmt.Errorf("%w: delegationHours must not be negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrValidation, in.Decision)
	}
	return nil
}

// RecordDecision applies an approver's decision to the request's current
// level. Ordering is strict: only the current level accepts decisions.
// Authorization is checked against the frozen approver spec, or against the
// active delegate while a delegation holds. The level CAS, the request
// update, the ledger entries and the outbound events commit as one unit; a
// concurrent decision on the same level loses with ErrConflict.
func (e *Engine) RecordDecision(ctx context.Context, in DecisionInput) (*model.ApprovalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := e.now().UTC()

	req, err := e.store.GetRequest(ctx, in.TenantID, in.RequestID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrTransitionDenied, req.Status)
	}
	if in.Level > req.TotalLevels {
		return nil, fmt.Errorf("%w: request has %d levels", ErrNotFound, req.TotalLevels)
	}
	if in.Level != req.CurrentLevel {
		return nil, fmt.Errorf("%w: level %d is not the current level (%d)", ErrConflict, in.Level, req.CurrentLevel)
	}

	lvl, err := e.store.GetLevel(ctx, in.RequestID, in.Level)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !lvl.Status.Decidable() {
		return nil, fmt.Errorf("%w: level %d already %s", ErrConflict, in.Level, lvl.Status)
	}
	if err := e.authorizeDecision(ctx, req, lvl, in); err != nil {
		return nil, err
	}

	var tr store.LevelTransition
	switch in.Decision {
	case DecisionApprove, DecisionSkip:
		tr, err = e.advanceTransition(ctx, req, lvl, in, now)
	case DecisionReject:
		tr, err = e.rejectTransition(ctx, req, lvl, in, now)
	case DecisionDelegate:
		tr, err = e.delegateTransition(ctx, req, lvl, in, now)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.ApplyLevelTransition(ctx, tr); err != nil {
		return nil, mapStoreErr(err)
	}
	log.Printf("[engine] decision recorded tenant=%s request=%s level=%d decision=%s actor=%s",
		in.TenantID, in.RequestID, in.Level, in.Decision, in.ActorID)

	out, err := e.store.GetRequest(ctx, in.TenantID, in.RequestID)
	return out, mapStoreErr(err)
}

// authorizeDecision checks the actor against the level's frozen approver
// spec. While a delegation is active the delegate is the sole identity
// allowed to act; the original approver regains authority when the delegation
// expires and the sweeper reverts the level.
func (e *Engine) authorizeDecision(ctx context.Context, req *model.ApprovalRequest, lvl *model.LevelAction, in DecisionInput) error {
	if lvl.Status == model.LevelDelegated && lvl.DelegatedTo != nil {
		if in.ActorID != *lvl.DelegatedTo {
			return fmt.Errorf("%w: level %d is delegated to another identity", ErrForbidden, lvl.Level)
		}
		return nil
	}
	ok, err := approver.Satisfies(ctx, e.directory, req.TenantID, lvl.Approver, in.ActorID)
	if err != nil {
		return fmt.Errorf("resolve approver for level %d: %w", lvl.Level, err)
	}
	if !ok {
		return fmt.Errorf("%w: actor %s is not an approver for level %d", ErrForbidden, in.ActorID, lvl.Level)
	}
	return nil
}

// advanceTransition builds the transition for approve and skip: the level
// closes, and either the next level opens or the request reaches final
// approval.
func (e *Engine) advanceTransition(ctx context.Context, req *model.ApprovalRequest, lvl *model.LevelAction, in DecisionInput, now time.Time) (store.LevelTransition, error) {
	newStatus := model.LevelApproved
	entryType := model.HistoryApproved
	if in.Decision == DecisionSkip {
		newStatus = model.LevelSkipped
		entryType = model.HistorySkipped
	}
	responseTime := now.Sub(lvl.CreatedAt)

	tr := store.LevelTransition{
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		Level:        lvl.Level,
		ExpectStatus: lvl.Status,
		NewStatus:    newStatus,
		ActedBy:      &in.ActorID,
		ActedAt:      &now,
		Rationale:    optional(in.Rationale),
		ResponseTime: &responseTime,
	}

	level := lvl.Level
	entry := &model.DecisionHistoryEntry{
		ID:         model.NewUUID(),
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		Level:      &level,
		EntryType:  entryType,
		ActorID:    in.ActorID,
		PrevStatus: string(lvl.Status),
		NewStatus:  string(newStatus),
		Rationale:  optional(in.Rationale),
		CreatedAt:  now,
	}
	tr.History = []*model.DecisionHistoryEntry{entry}

	if lvl.Level >= req.TotalLevels {
		// Final level: the request is approved.
		status := model.RequestApproved
		finalReq := *req
		finalReq.Status = status
		finalReq.FinalApproverID = &in.ActorID
		tr.Request = &store.RequestUpdate{
			Status:          &status,
			FinalApproverID: &in.ActorID,
			FinalDecidedAt:  &now,
		}
		tr.Events = []*model.OutboxEvent{
			e.decisionEvent(&finalReq, now),
			e.notificationEvent(req, req.RequesterID, model.NotifyApproved, now),
		}
		return tr, nil
	}

	next := lvl.Level + 1
	status := model.RequestInReview
	tr.Request = &store.RequestUpdate{
		Status:       &status,
		CurrentLevel: &next,
	}
	tr.Events = e.notifyApprovers(ctx, req, req.ApprovalPath[next-1].Approver, model.NotifyPending, now)
	return tr, nil
}

// rejectTransition builds the transition for a rejection. A rejection ends
// the request unless an open rule exception authorizes continuation, in which
// case the exception is consumed in the same transaction and the request
// advances past the rejected level. An exception never converts a final-level
// rejection into an approval.
func (e *Engine) rejectTransition(ctx context.Context, req *model.ApprovalRequest, lvl *model.LevelAction, in DecisionInput, now time.Time) (store.LevelTransition, error) {
	responseTime := now.Sub(lvl.CreatedAt)
	level := lvl.Level

	tr := store.LevelTransition{
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		Level:        lvl.Level,
		ExpectStatus: lvl.Status,
		NewStatus:    model.LevelRejected,
		ActedBy:      &in.ActorID,
		ActedAt:      &now,
		Rationale:    optional(in.Rationale),
		ResponseTime: &responseTime,
	}
	rejected := &model.DecisionHistoryEntry{
		ID:         model.NewUUID(),
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		Level:      &level,
		EntryType:  model.HistoryRejected,
		ActorID:    in.ActorID,
		PrevStatus: string(lvl.Status),
		NewStatus:  string(model.LevelRejected),
		Rationale:  optional(in.Rationale),
		CreatedAt:  now,
	}
	tr.History = []*model.DecisionHistoryEntry{rejected}

	if lvl.Level < req.TotalLevels {
		ex, err := e.store.GetOpenRuleException(ctx, req.ID)
		if err != nil && !isNotFound(err) {
			return tr, mapStoreErr(err)
		}
		if ex != nil {
			next := lvl.Level + 1
			status := model.RequestInReview
			tr.ConsumeExceptionID = ex.ID
			tr.Request = &store.RequestUpdate{
				Status:       &status,
				CurrentLevel: &next,
			}
			reason := fmt.Sprintf("rule exception %s authorized by %s", ex.ID, ex.AuthorizedBy)
			applied := &model.DecisionHistoryEntry{
				ID:         model.NewUUID(),
				TenantID:   req.TenantID,
				RequestID:  req.ID,
				Level:      &level,
				EntryType:  model.HistoryExceptionApplied,
				ActorID:    ex.AuthorizedBy,
				PrevStatus: string(model.RequestInReview),
				NewStatus:  string(model.RequestInReview),
				Rationale:  &reason,
				CreatedAt:  now,
			}
			tr.History = append(tr.History, applied)
			tr.Events = e.notifyApprovers(ctx, req, req.ApprovalPath[next-1].Approver, model.NotifyPending, now)
			return tr, nil
		}
	}

	status := model.RequestRejected
	finalReq := *req
	finalReq.Status = status
	tr.Request = &store.RequestUpdate{
		Status:         &status,
		FinalDecidedAt: &now,
	}
	tr.Events = []*model.OutboxEvent{
		e.decisionEvent(&finalReq, now),
		e.notificationEvent(req, req.RequesterID, model.NotifyRejected, now),
	}
	return tr, nil
}

// delegateTransition hands the level's decision authority to another identity
// for a bounded period. The original approver stays on the level row as the
// accountable spec; only the delegated_to identity may act until expiry.
func (e *Engine) delegateTransition(ctx context.Context, req *model.ApprovalRequest, lvl *model.LevelAction, in DecisionInput, now time.Time) (store.LevelTransition, error) {
	if lvl.Status == model.LevelDelegated {
		return store.LevelTransition{}, fmt.Errorf("%w: level %d is already delegated", ErrConflict, lvl.Level)
	}

	tmpl, err := e.store.GetTemplate(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return store.LevelTransition{}, mapStoreErr(err)
	}
	if !tmpl.Delegation.Allowed {
		return store.LevelTransition{}, fmt.Errorf("%w: template does not allow delegation", ErrTransitionDenied)
	}

	dur := defaultDelegationDuration
	if tmpl.Delegation.MaxDurationHours > 0 {
		dur = time.Duration(tmpl.Delegation.MaxDurationHours) * time.Hour
	}
	if in.DelegationHours > 0 {
		requested := time.Duration(in.DelegationHours) * time.Hour
		if requested < dur {
			dur = requested
		}
	}
	expiry := now.Add(dur)
	level := lvl.Level

	entry := &model.DecisionHistoryEntry{
		ID:         model.NewUUID(),
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		Level:      &level,
		EntryType:  model.HistoryDelegated,
		ActorID:    in.ActorID,
		PrevStatus: string(lvl.Status),
		NewStatus:  string(model.LevelDelegated),
		Rationale:  optional(in.Rationale),
		CreatedAt:  now,
	}
	return store.LevelTransition{
		TenantID:         req.TenantID,
		RequestID:        req.ID,
		Level:            lvl.Level,
		ExpectStatus:     lvl.Status,
		NewStatus:        model.LevelDelegated,
		DelegatedTo:      &in.DelegateTo,
		DelegationExpiry: &expiry,
		DelegationReason: optional(in.Rationale),
		History:          []*model.DecisionHistoryEntry{entry},
		Events: []*model.OutboxEvent{
			e.notificationEvent(req, in.DelegateTo, model.NotifyPending, now),
		},
	}, nil
}

// Withdraw lets the requester retract their own active request.
func (e *Engine) Withdraw(ctx context.Context, tenantID, requestID, actorID, rationale string) (*model.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if actorID != req.RequesterID {
		return nil, fmt.Errorf("%w: only the requester may withdraw", ErrForbidden)
	}
	return e.closeRequest(ctx, req, model.RequestWithdrawn, model.HistoryWithdrawn, actorID, rationale)
}

// Cancel closes an active request administratively.
func (e *Engine) Cancel(ctx context.Context, tenantID, requestID, actorID, rationale string) (*model.ApprovalRequest, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actorId required", ErrValidation)
	}
	req, err := e.store.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return e.closeRequest(ctx, req, model.RequestCancelled, model.HistoryCancelled, actorID, rationale)
}

func (e *Engine) closeRequest(ctx context.Context, req *model.ApprovalRequest, status model.RequestStatus, entryType model.HistoryType, actorID, rationale string) (*model.ApprovalRequest, error) {
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrTransitionDenied, req.Status)
	}
	now := e.now().UTC()
	finalReq := *req
	finalReq.Status = status

	tr := store.RequestTransition{
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		ExpectStatus: []model.RequestStatus{model.RequestPending, model.RequestInReview},
		Update: store.RequestUpdate{
			Status:         &status,
			FinalDecidedAt: &now,
		},
		History: []*model.DecisionHistoryEntry{{
			ID:         model.NewUUID(),
			TenantID:   req.TenantID,
			RequestID:  req.ID,
			EntryType:  entryType,
			ActorID:    actorID,
			PrevStatus: string(req.Status),
			NewStatus:  string(status),
			Rationale:  optional(rationale),
			CreatedAt:  now,
		}},
		Events: []*model.OutboxEvent{e.decisionEvent(&finalReq, now)},
	}
	if err := e.store.ApplyRequestTransition(ctx, tr); err != nil {
		return nil, mapStoreErr(err)
	}
	out, err := e.store.GetRequest(ctx, req.TenantID, req.ID)
	return out, mapStoreErr(err)
}

// ExceptionInput records an authorized bypass grant for an active request.
type ExceptionInput struct {
	TenantID       string `json:"tenantId"`
	RequestID      string `json:"requestId"`
	AuthorizedBy   string `json:"authorizedBy"`
	SupersededRule string `json:"supersededRule"`
	AppliedRule    string `json:"appliedRule"`
	Reason         string `json:"reason"`
}

// GrantException records a rule exception against an active request. The
// exception authorizes the request to survive one rejection; applying it is
// audited separately when the rejection happens.
func (e *Engine) GrantException(ctx context.Context, in ExceptionInput) (*model.RuleException, error) {
	if in.TenantID == "" || in.RequestID == "" {
		return nil, fmt.Errorf("%w: tenantId and requestId required", ErrValidation)
	}
	if in.AuthorizedBy == "" {
		return nil, fmt.Errorf("%w: authorizedBy required", ErrValidation)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: reason required", ErrValidation)
	}
	req, err := e.store.GetRequest(ctx, in.TenantID, in.RequestID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrTransitionDenied, req.Status)
	}
	now := e.now().UTC()
	ex := &model.RuleException{
		ID:             model.NewUUID(),
		TenantID:       in.TenantID,
		RequestID:      in.RequestID,
		AuthorizedBy:   in.AuthorizedBy,
		SupersededRule: in.SupersededRule,
		AppliedRule:    in.AppliedRule,
		Reason:         in.Reason,
		PostAuditDue:   true,
		CreatedAt:      now,
	}
	entry := &model.DecisionHistoryEntry{
		ID:        model.NewUUID(),
		TenantID:  in.TenantID,
		RequestID: in.RequestID,
		EntryType: model.HistoryExceptionGranted,
		ActorID:   in.AuthorizedBy,
		Rationale: optional(in.Reason),
		CreatedAt: now,
	}
	if err := e.store.CreateRuleException(ctx, ex, entry); err != nil {
		return nil, mapStoreErr(err)
	}
	log.Printf("[engine] rule exception granted tenant=%s request=%s by=%s", in.TenantID, in.RequestID, in.AuthorizedBy)
	return ex, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
