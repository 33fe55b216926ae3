package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/engine"
	"github.com/scholaris/approval-engine/internal/model"
)

func newSweeper(fx *fixture, grace time.Duration) *engine.Sweeper {
	return engine.NewSweeper(fx.engine, engine.SweeperConfig{
		Interval:    time.Minute,
		BatchSize:   100,
		ExpiryGrace: grace,
	})
}

func TestSweeperEscalatesOverdueLevel(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	req := fx.submit(t, 500)

	// Level 1 has a 48h SLA; a day past that it is clearly stalled.
	fx.advance(49 * time.Hour)
	stats, err := newSweeper(fx, 0).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Escalations)
	assert.Zero(t, stats.Errors)

	lvl, err := fx.store.GetLevel(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.LevelEscalated, lvl.Status)
	assert.Equal(t, approver.Role("superintendent"), lvl.Approver)
	assert.Equal(t, fx.clock().Add(24*time.Hour), lvl.DueDate)

	out, err := fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.EscalationLevel)

	history, err := fx.engine.ListHistory(ctx, tenant, req.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, model.HistoryEscalated, last.EntryType)
	assert.Equal(t, "system", last.ActorID)

	// The escalation target was notified.
	var notified bool
	for _, ev := range fx.store.AllOutbox() {
		if ev.EventType != model.EventNotificationRequested {
			continue
		}
		var p model.NotificationPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Reason == model.NotifyEscalated && p.RecipientID == "sam" {
			notified = true
		}
	}
	assert.True(t, notified)

	// The escalation target can decide the level.
	after, err := fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "sam", Decision: engine.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, after.CurrentLevel)
}

func TestSweeperIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	fx.submit(t, 500)
	fx.advance(49 * time.Hour)

	sw := newSweeper(fx, 0)
	first, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.NotZero(t, first.Escalations)

	// Nothing changed since: every guard holds, so no writes.
	second, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.SweepStats{}, second)
}

func TestSweeperExhaustsEscalationsThenFlagsIntervention(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	req := fx.submit(t, 500)
	sw := newSweeper(fx, 0)

	// Two escalations allowed; each adds a 24h window.
	fx.advance(49 * time.Hour)
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Escalations)

	fx.advance(25 * time.Hour)
	stats, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Escalations)

	fx.advance(25 * time.Hour)
	stats, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Escalations)
	assert.Equal(t, 1, stats.Interventions)

	out, err := fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.True(t, out.Intervention)
	assert.Equal(t, 2, out.EscalationLevel, "no escalation past the maximum")
	assert.False(t, out.Status.Terminal(), "intervention is a flag, not a status")

	// Flagging happens once.
	stats, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Interventions)

	// The stalled level is still decidable by the escalation target.
	_, err = fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "sam", Decision: engine.DecisionApprove,
	})
	assert.NoError(t, err)
}

func TestSweeperTracksSLAStatus(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	req := fx.submit(t, 500)
	sw := newSweeper(fx, 0)

	// Deadline is 120h out; inside the 24h window the request is at risk.
	fx.advance(100 * time.Hour)
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SLAUpdates)

	out, err := fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SLAAtRisk, out.SLAStatus)

	var reminder bool
	for _, ev := range fx.store.AllOutbox() {
		if ev.EventType != model.EventNotificationRequested {
			continue
		}
		var p model.NotificationPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Reason == model.NotifyReminder {
			reminder = true
		}
	}
	assert.True(t, reminder, "entering at_risk queues a reminder")

	fx.advance(21 * time.Hour)
	stats, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SLAUpdates)

	out, err = fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SLAOverdue, out.SLAStatus)

	history, err := fx.engine.ListHistory(ctx, tenant, req.ID)
	require.NoError(t, err)
	var slaEntries int
	for _, h := range history {
		if h.EntryType == model.HistorySLAUpdated {
			slaEntries++
		}
	}
	assert.Equal(t, 2, slaEntries, "one ledger entry per classification change")
}

func TestSweeperRevertsExpiredDelegation(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	req := fx.submit(t, 500)
	_, err := fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "fiona", Decision: engine.DecisionDelegate,
		DelegateTo: "dana", DelegationHours: 24, Rationale: "on leave",
	})
	require.NoError(t, err)

	fx.advance(25 * time.Hour)
	stats, err := newSweeper(fx, 0).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DelegationReverts)

	lvl, err := fx.store.GetLevel(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.LevelPending, lvl.Status)
	assert.Nil(t, lvl.DelegatedTo)
	assert.Nil(t, lvl.DelegationExpiry)
	assert.Equal(t, fx.clock().Add(48*time.Hour), lvl.DueDate, "due date restarts from the frozen level SLA")

	history, err := fx.engine.ListHistory(ctx, tenant, req.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, model.HistoryDelegationExpired, last.EntryType)

	// Authority is back with the original approver; the lapsed delegate is out.
	_, err = fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "dana", Decision: engine.DecisionApprove,
	})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "fiona", Decision: engine.DecisionApprove,
	})
	assert.NoError(t, err)
}

func TestSweeperRevertedDelegationUsesResolvedLevelSLA(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A level authored without its own SLA freezes with the template default.
	_, err := fx.engine.CreateTemplate(ctx, &model.WorkflowTemplate{
		TenantID:    tenant,
		Name:        "facilities approvals",
		RequestType: "purchase_order",
		Levels: []model.LevelSpec{
			{Name: "finance review", Approver: approver.Role("finance-officer")},
		},
		Delegation:      model.DelegationRule{Allowed: true, MaxDurationHours: 48},
		Priority:        10,
		Active:          true,
		DefaultSLAHours: 24,
	})
	require.NoError(t, err)

	req := fx.submit(t, 500)
	require.Len(t, req.ApprovalPath, 1)
	require.Equal(t, 24, req.ApprovalPath[0].SLAHours)

	_, err = fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "fiona", Decision: engine.DecisionDelegate,
		DelegateTo: "dana", DelegationHours: 12, Rationale: "offsite",
	})
	require.NoError(t, err)

	fx.advance(13 * time.Hour)
	stats, err := newSweeper(fx, 0).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DelegationReverts)

	lvl, err := fx.store.GetLevel(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.LevelPending, lvl.Status)
	assert.Equal(t, fx.clock().Add(24*time.Hour), lvl.DueDate,
		"revert restarts from the resolved level SLA, never zero")
}

func TestSweeperExpiresAbandonedRequests(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	req := fx.submit(t, 500)
	sw := newSweeper(fx, 24*time.Hour)

	// Run the request through both escalations into intervention.
	for _, step := range []time.Duration{49 * time.Hour, 25 * time.Hour, 25 * time.Hour} {
		fx.advance(step)
		_, err := sw.SweepOnce(ctx)
		require.NoError(t, err)
	}
	out, err := fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	require.True(t, out.Intervention)

	// Deadline was 120h; expiry happens only past deadline + grace.
	fx.advance(60 * time.Hour)
	stats, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expirations)

	out, err = fx.engine.GetRequest(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestExpired, out.Status)

	history, err := fx.engine.ListHistory(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HistoryExpired, history[len(history)-1].EntryType)

	_, err = fx.engine.RecordDecision(ctx, engine.DecisionInput{
		TenantID: tenant, RequestID: req.ID, Level: 1,
		ActorID: "sam", Decision: engine.DecisionApprove,
	})
	assert.ErrorIs(t, err, engine.ErrTransitionDenied)
}

func TestSweeperLeavesFreshRequestsAlone(t *testing.T) {
	fx := newFixture(t)
	fx.twoLevelTemplate(t)
	ctx := context.Background()

	fx.submit(t, 500)
	stats, err := newSweeper(fx, 0).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.SweepStats{}, stats)
}
