package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

// SweeperConfig controls the background sweep loop.
type SweeperConfig struct {
	// Interval between sweep passes.
	Interval time.Duration
	// BatchSize caps how many rows each worklist query returns per pass.
	BatchSize int
	// ExpiryGrace is how long an intervention-flagged request may stay past
	// its deadline before the sweeper expires it. Zero or negative disables
	// expiry.
	ExpiryGrace time.Duration
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
}

// SweepStats counts what one pass changed. A pass over unchanged state
// produces all zeros; the guards on the transition primitives make repeat
// passes no-ops rather than duplicate writes.
type SweepStats struct {
	SLAUpdates        int
	Escalations       int
	Interventions     int
	DelegationReverts int
	Expirations       int
	Errors            int
}

// Sweeper periodically refreshes SLA classifications, escalates overdue
// levels, reverts expired delegations and expires abandoned requests. It uses
// the same guarded transitions as foreground decisions, so racing an approver
// is safe: whoever commits first wins and the loser's write is skipped.
type Sweeper struct {
	engine *Engine
	cfg    SweeperConfig
}

// NewSweeper builds a Sweeper around an engine.
func NewSweeper(e *Engine, cfg SweeperConfig) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{engine: e, cfg: cfg}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Printf("[sweeper] starting interval=%s batch=%d", s.cfg.Interval, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sweeper] stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("[sweeper] pass failed: %v", err)
				continue
			}
			if stats != (SweepStats{}) {
				log.Printf("[sweeper] pass done sla=%d escalated=%d interventions=%d delegation_reverts=%d expired=%d errors=%d",
					stats.SLAUpdates, stats.Escalations, stats.Interventions, stats.DelegationReverts, stats.Expirations, stats.Errors)
			}
		}
	}
}

// SweepOnce runs a single pass over all tenants. Per-row failures are counted
// and logged but never abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.engine.now().UTC()

	if err := s.sweepSLA(ctx, now, &stats); err != nil {
		return stats, fmt.Errorf("sla pass: %w", err)
	}
	if err := s.sweepEscalations(ctx, now, &stats); err != nil {
		return stats, fmt.Errorf("escalation pass: %w", err)
	}
	if err := s.sweepDelegations(ctx, now, &stats); err != nil {
		return stats, fmt.Errorf("delegation pass: %w", err)
	}
	if s.cfg.ExpiryGrace > 0 {
		if err := s.sweepExpiry(ctx, now, &stats); err != nil {
			return stats, fmt.Errorf("expiry pass: %w", err)
		}
	}
	return stats, nil
}

// sweepSLA recomputes each active request's SLA classification and persists
// it only when it changed. Entering at_risk also queues a reminder to the
// current level's approvers.
func (s *Sweeper) sweepSLA(ctx context.Context, now time.Time, stats *SweepStats) error {
	reqs, err := s.engine.store.ListActiveRequests(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		computed := s.engine.computeSLA(req.Deadline, now)
		if computed == req.SLAStatus {
			continue
		}
		prev := req.SLAStatus
		tr := store.RequestTransition{
			TenantID:        req.TenantID,
			RequestID:       req.ID,
			ExpectSLAStatus: &prev,
			Update:          store.RequestUpdate{SLAStatus: &computed},
			History: []*model.DecisionHistoryEntry{{
				ID:         model.NewUUID(),
				TenantID:   req.TenantID,
				RequestID:  req.ID,
				EntryType:  model.HistorySLAUpdated,
				ActorID:    systemActor,
				PrevStatus: string(prev),
				NewStatus:  string(computed),
				CreatedAt:  now,
			}},
		}
		if computed == model.SLAAtRisk && req.CurrentLevel >= 1 && req.CurrentLevel <= len(req.ApprovalPath) {
			tr.Events = s.engine.notifyApprovers(ctx, req, req.ApprovalPath[req.CurrentLevel-1].Approver, model.NotifyReminder, now)
		}
		if err := s.engine.store.ApplyRequestTransition(ctx, tr); err != nil {
			if skippable(err) {
				continue
			}
			stats.Errors++
			log.Printf("[sweeper] sla update failed request=%s: %v", req.ID, err)
			continue
		}
		stats.SLAUpdates++
	}
	return nil
}

// sweepEscalations reassigns each overdue decidable level to its template's
// escalation target. Past maxEscalations the request is flagged for manual
// intervention instead. Delegated levels are left to the delegation pass.
func (s *Sweeper) sweepEscalations(ctx context.Context, now time.Time, stats *SweepStats) error {
	levels, err := s.engine.store.ListOverdueLevels(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, lvl := range levels {
		req, err := s.engine.store.GetRequest(ctx, lvl.TenantID, lvl.RequestID)
		if err != nil {
			stats.Errors++
			log.Printf("[sweeper] load request %s: %v", lvl.RequestID, err)
			continue
		}
		if req.Status.Terminal() || lvl.Level != req.CurrentLevel {
			continue
		}

		nextEscalation := req.EscalationLevel + 1
		if nextEscalation > req.MaxEscalations {
			if s.flagIntervention(ctx, req, lvl.Level, now, stats) {
				stats.Interventions++
			}
			continue
		}

		tmpl, err := s.engine.store.GetTemplate(ctx, req.TenantID, req.TemplateID)
		if err != nil {
			stats.Errors++
			log.Printf("[sweeper] load template %s: %v", req.TemplateID, err)
			continue
		}
		target, ok := tmpl.EscalationTargetFor(nextEscalation)
		if !ok {
			// No escalation chain configured: go straight to intervention.
			if s.flagIntervention(ctx, req, lvl.Level, now, stats) {
				stats.Interventions++
			}
			continue
		}

		slaHours := target.SLAHours
		if slaHours <= 0 {
			slaHours = tmpl.DefaultSLAHours
		}
		due := now.Add(time.Duration(slaHours) * time.Hour)
		level := lvl.Level
		rationale := fmt.Sprintf("level overdue since %s, escalation %d of %d",
			lvl.DueDate.Format(time.RFC3339), nextEscalation, req.MaxEscalations)

		tr := store.LevelTransition{
			TenantID:     req.TenantID,
			RequestID:    req.ID,
			Level:        lvl.Level,
			ExpectStatus: lvl.Status,
			NewStatus:    model.LevelEscalated,
			NewApprover:  &target.Approver,
			NewDueDate:   &due,
			Request: &store.RequestUpdate{
				EscalationLevel: &nextEscalation,
			},
			History: []*model.DecisionHistoryEntry{{
				ID:         model.NewUUID(),
				TenantID:   req.TenantID,
				RequestID:  req.ID,
				Level:      &level,
				EntryType:  model.HistoryEscalated,
				ActorID:    systemActor,
				PrevStatus: string(lvl.Status),
				NewStatus:  string(model.LevelEscalated),
				Rationale:  &rationale,
				CreatedAt:  now,
			}},
			Events: s.engine.notifyApprovers(ctx, req, target.Approver, model.NotifyEscalated, now),
		}
		if err := s.engine.store.ApplyLevelTransition(ctx, tr); err != nil {
			if skippable(err) {
				continue
			}
			stats.Errors++
			log.Printf("[sweeper] escalation failed request=%s level=%d: %v", req.ID, lvl.Level, err)
			continue
		}
		stats.Escalations++
		log.Printf("[sweeper] escalated request=%s level=%d escalation=%d target=%s",
			req.ID, lvl.Level, nextEscalation, target.Approver)
	}
	return nil
}

// flagIntervention marks a request as needing manual attention, once. Returns
// whether this call did the flagging.
func (s *Sweeper) flagIntervention(ctx context.Context, req *model.ApprovalRequest, level int, now time.Time, stats *SweepStats) bool {
	if req.Intervention {
		return false
	}
	notFlagged := false
	flagged := true
	rationale := fmt.Sprintf("escalation chain exhausted at level %d", level)
	tr := store.RequestTransition{
		TenantID:           req.TenantID,
		RequestID:          req.ID,
		ExpectIntervention: &notFlagged,
		Update:             store.RequestUpdate{Intervention: &flagged},
		History: []*model.DecisionHistoryEntry{{
			ID:        model.NewUUID(),
			TenantID:  req.TenantID,
			RequestID: req.ID,
			Level:     &level,
			EntryType: model.HistoryIntervention,
			ActorID:   systemActor,
			Rationale: &rationale,
			CreatedAt: now,
		}},
	}
	if err := s.engine.store.ApplyRequestTransition(ctx, tr); err != nil {
		if skippable(err) {
			return false
		}
		stats.Errors++
		log.Printf("[sweeper] intervention flag failed request=%s: %v", req.ID, err)
		return false
	}
	log.Printf("[sweeper] intervention required request=%s level=%d", req.ID, level)
	return true
}

// sweepDelegations reverts levels whose delegation lapsed without a decision:
// the level returns to the original approver as pending with a fresh due date
// from the frozen path's SLA.
func (s *Sweeper) sweepDelegations(ctx context.Context, now time.Time, stats *SweepStats) error {
	levels, err := s.engine.store.ListExpiredDelegations(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, lvl := range levels {
		req, err := s.engine.store.GetRequest(ctx, lvl.TenantID, lvl.RequestID)
		if err != nil {
			stats.Errors++
			log.Printf("[sweeper] load request %s: %v", lvl.RequestID, err)
			continue
		}
		if req.Status.Terminal() {
			continue
		}
		// Frozen paths carry positive SLA hours: Submit resolves a zero
		// level spec through the template default, which template
		// validation requires to be positive.
		slaHours := 0
		if lvl.Level >= 1 && lvl.Level <= len(req.ApprovalPath) {
			slaHours = req.ApprovalPath[lvl.Level-1].SLAHours
		}
		due := now.Add(time.Duration(slaHours) * time.Hour)
		level := lvl.Level
		rationale := "delegation expired without a decision"

		tr := store.LevelTransition{
			TenantID:        req.TenantID,
			RequestID:       req.ID,
			Level:           lvl.Level,
			ExpectStatus:    model.LevelDelegated,
			NewStatus:       model.LevelPending,
			ClearDelegation: true,
			NewDueDate:      &due,
			History: []*model.DecisionHistoryEntry{{
				ID:         model.NewUUID(),
				TenantID:   req.TenantID,
				RequestID:  req.ID,
				Level:      &level,
				EntryType:  model.HistoryDelegationExpired,
				ActorID:    systemActor,
				PrevStatus: string(model.LevelDelegated),
				NewStatus:  string(model.LevelPending),
				Rationale:  &rationale,
				CreatedAt:  now,
			}},
			Events: s.engine.notifyApprovers(ctx, req, lvl.Approver, model.NotifyPending, now),
		}
		if err := s.engine.store.ApplyLevelTransition(ctx, tr); err != nil {
			if skippable(err) {
				continue
			}
			stats.Errors++
			log.Printf("[sweeper] delegation revert failed request=%s level=%d: %v", req.ID, lvl.Level, err)
			continue
		}
		stats.DelegationReverts++
	}
	return nil
}

// sweepExpiry terminates intervention-flagged requests that stayed past
// their deadline for longer than the grace period.
func (s *Sweeper) sweepExpiry(ctx context.Context, now time.Time, stats *SweepStats) error {
	reqs, err := s.engine.store.ListActiveRequests(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if !req.Intervention || now.Before(req.Deadline.Add(s.cfg.ExpiryGrace)) {
			continue
		}
		status := model.RequestExpired
		finalReq := *req
		finalReq.Status = status
		rationale := fmt.Sprintf("unresolved %s past deadline", s.cfg.ExpiryGrace)
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
				EntryType:  model.HistoryExpired,
				ActorID:    systemActor,
				PrevStatus: string(req.Status),
				NewStatus:  string(status),
				Rationale:  &rationale,
				CreatedAt:  now,
			}},
			Events: []*model.OutboxEvent{
				s.engine.decisionEvent(&finalReq, now),
				s.engine.notificationEvent(req, req.RequesterID, model.NotifyRejected, now),
			},
		}
		if err := s.engine.store.ApplyRequestTransition(ctx, tr); err != nil {
			if skippable(err) {
				continue
			}
			stats.Errors++
			log.Printf("[sweeper] expiry failed request=%s: %v", req.ID, err)
			continue
		}
		stats.Expirations++
		log.Printf("[sweeper] request expired request=%s deadline=%s", req.ID, req.Deadline.Format(time.RFC3339))
	}
	return nil
}

// skippable reports whether a transition error means another writer got there
// first, which a sweep pass treats as done.
func skippable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound)
}
