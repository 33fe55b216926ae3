package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

func newMockStore(t *testing.T) (*store.PGStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return store.NewPGStore(db), mock, func() { db.Close() }
}

func strp(s string) *string { return &s }

func TestApplyLevelTransitionCommitsAllParts(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Now().UTC()
	approved := model.RequestApproved
	actedAt := now

	mock.ExpectBegin()

	// Row lock on the parent request.
	mock.ExpectQuery("SELECT status FROM approval_requests").
		WithArgs("req-1", "school-a").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_review"))

	// Guarded level update.
	mock.ExpectExec("UPDATE level_actions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Request update, ledger append, event enqueue.
	mock.ExpectExec("UPDATE approval_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO decision_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	err := pg.ApplyLevelTransition(context.Background(), store.LevelTransition{
		TenantID:     "school-a",
		RequestID:    "req-1",
		Level:        2,
		ExpectStatus: model.LevelPending,
		NewStatus:    model.LevelApproved,
		ActedBy:      strp("petra"),
		ActedAt:      &actedAt,
		Request:      &store.RequestUpdate{Status: &approved},
		History: []*model.DecisionHistoryEntry{{
			ID: model.NewUUID(), TenantID: "school-a", RequestID: "req-1",
			EntryType: model.HistoryApproved, ActorID: "petra", CreatedAt: now,
		}},
		Events: []*model.OutboxEvent{{
			ID: model.NewUUID(), TenantID: "school-a", RequestID: "req-1",
			EventType: model.EventDecisionCompleted, Payload: []byte(`{}`),
			Status: model.OutboxPending, CreatedAt: now,
		}},
	})
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyLevelTransitionLostRace(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM approval_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_review"))

	// Another writer already moved the level: zero rows match the guard.
	mock.ExpectExec("UPDATE level_actions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM level_actions").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	err := pg.ApplyLevelTransition(context.Background(), store.LevelTransition{
		TenantID: "school-a", RequestID: "req-1", Level: 1,
		ExpectStatus: model.LevelPending, NewStatus: model.LevelApproved,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyLevelTransitionMissingLevel(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM approval_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectExec("UPDATE level_actions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM level_actions").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := pg.ApplyLevelTransition(context.Background(), store.LevelTransition{
		TenantID: "school-a", RequestID: "req-1", Level: 9,
		ExpectStatus: model.LevelPending, NewStatus: model.LevelApproved,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyLevelTransitionTerminalRequest(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM approval_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))
	mock.ExpectRollback()

	err := pg.ApplyLevelTransition(context.Background(), store.LevelTransition{
		TenantID: "school-a", RequestID: "req-1", Level: 1,
		ExpectStatus: model.LevelPending, NewStatus: model.LevelApproved,
	})
	assert.ErrorIs(t, err, store.ErrTerminal)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyRequestTransitionGuards(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	// Stored SLA no longer matches the guard: the sweep that computed this
	// transition is stale.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, sla_status, intervention_required FROM approval_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status", "sla_status", "intervention_required"}).
			AddRow("in_review", "at_risk", false))
	mock.ExpectRollback()

	onTime := model.SLAOnTime
	overdue := model.SLAOverdue
	err := pg.ApplyRequestTransition(context.Background(), store.RequestTransition{
		TenantID: "school-a", RequestID: "req-1",
		ExpectSLAStatus: &onTime,
		Update:          store.RequestUpdate{SLAStatus: &overdue},
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateRequestIsOneTransaction(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Now().UTC()
	req := &model.ApprovalRequest{
		ID: "req-1", TenantID: "school-a", RequestType: "purchase_order",
		RequesterID: "rita", Status: model.RequestPending,
		CurrentLevel: 1, TotalLevels: 1,
		ApprovalPath: []model.LevelSpec{{Name: "finance", Approver: approver.Role("finance-officer"), SLAHours: 48}},
		Deadline:     now.Add(48 * time.Hour),
		SLAStatus:    model.SLAOnTime,
		CreatedAt:    now, UpdatedAt: now,
	}
	level := &model.LevelAction{
		ID: model.NewUUID(), RequestID: "req-1", TenantID: "school-a",
		Level: 1, Name: "finance", Approver: approver.Role("finance-officer"),
		Status: model.LevelPending, DueDate: now.Add(48 * time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	entry := &model.DecisionHistoryEntry{
		ID: model.NewUUID(), TenantID: "school-a", RequestID: "req-1",
		EntryType: model.HistoryCreated, ActorID: "rita", CreatedAt: now,
	}
	event := &model.OutboxEvent{
		ID: model.NewUUID(), TenantID: "school-a", RequestID: "req-1",
		EventType: model.EventNotificationRequested, Payload: []byte(`{}`),
		Status: model.OutboxPending, CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approval_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO level_actions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO decision_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.CreateRequest(context.Background(), req,
		[]*model.LevelAction{level},
		[]*model.DecisionHistoryEntry{entry},
		[]*model.OutboxEvent{event})
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateRequestRollsBackOnLevelFailure(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Now().UTC()
	req := &model.ApprovalRequest{
		ID: "req-1", TenantID: "school-a", Status: model.RequestPending,
		ApprovalPath: []model.LevelSpec{}, CreatedAt: now, UpdatedAt: now,
	}
	level := &model.LevelAction{
		ID: model.NewUUID(), RequestID: "req-1", TenantID: "school-a",
		Level: 1, Approver: approver.User("fiona"), Status: model.LevelPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approval_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO level_actions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := pg.CreateRequest(context.Background(), req, []*model.LevelAction{level}, nil, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateTemplateDuplicatePriority(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO workflow_templates").
		WillReturnError(&pq.Error{Code: "23505"})

	err := pg.CreateTemplate(context.Background(), &model.WorkflowTemplate{
		TenantID: "school-a", Name: "po", RequestType: "purchase_order",
		Levels:   []model.LevelSpec{{Name: "finance", Approver: approver.Role("finance-officer"), SLAHours: 48}},
		Priority: 10, Active: true,
	})
	assert.ErrorIs(t, err, store.ErrDuplicatePriority)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM approval_requests").
		WithArgs("missing", "school-a").
		WillReturnError(sql.ErrNoRows)

	_, err := pg.GetRequest(context.Background(), "school-a", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestFetchPendingEventsClaimsBatch(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Now().UTC()
	cols := []string{"id", "tenant_id", "request_id", "event_type", "payload",
		"status", "attempts", "last_error", "archived_key", "created_at", "sent_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM outbox_events").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ev-1", "school-a", "req-1", "notification.requested", []byte(`{}`),
				"pending", 0, nil, nil, now, nil).
			AddRow("ev-2", "school-a", "req-2", "decision.completed", []byte(`{}`),
				"pending", 2, "broker down", nil, now, nil))
	mock.ExpectExec("UPDATE outbox_events SET status='in_progress'").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	events, err := pg.FetchPendingEvents(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.OutboxInProgress, events[0].Status)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, 3, events[1].Attempts)
	assert.Equal(t, model.EventDecisionCompleted, events[1].EventType)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestFetchPendingEventsEmpty(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	cols := []string{"id", "tenant_id", "request_id", "event_type", "payload",
		"status", "attempts", "last_error", "archived_key", "created_at", "sent_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM outbox_events").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectCommit()

	events, err := pg.FetchPendingEvents(context.Background(), 20)
	require.NoError(t, err)
	assert.Empty(t, events)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRequeueStaleEventsReclaimsOrphanedRows(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	mock.ExpectExec("UPDATE outbox_events SET status='pending', claimed_at=NULL WHERE status='in_progress'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := pg.RequeueStaleEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestMarkEventResult(t *testing.T) {
	pg, mock, closeDB := newMockStore(t)
	defer closeDB()

	key := "decisions/2026/08/29/req-1.json"
	mock.ExpectExec("UPDATE outbox_events SET status='sent'").
		WithArgs("ev-1", &key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pg.MarkEventResult(context.Background(), "ev-1", &key, true, ""))

	mock.ExpectExec("UPDATE outbox_events SET status='pending'").
		WithArgs("ev-2", "broker unreachable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pg.MarkEventResult(context.Background(), "ev-2", nil, false, "broker unreachable"))

	mock.ExpectExec("UPDATE outbox_events SET status='failed'").
		WithArgs("ev-3", "unknown event type").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pg.MarkEventFailed(context.Background(), "ev-3", "unknown event type"))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
