package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholaris/approval-engine/internal/events"
	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

type produced struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []produced
	err      error
}

func (f *fakeProducer) Produce(_ context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, produced{topic: topic, key: string(key), value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Archive(_ context.Context, ev *model.OutboxEvent, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	key := "decisions/" + ev.RequestID + ".json"
	f.keys = append(f.keys, key)
	return key, nil
}

func seedRequest(t *testing.T, s *store.MemoryStore, history []*model.DecisionHistoryEntry, events []*model.OutboxEvent) {
	t.Helper()
	now := time.Now().UTC()
	req := &model.ApprovalRequest{
		ID: "req-1", TenantID: "school-a", RequestType: "purchase_order",
		RequesterID: "rita", Status: model.RequestApproved,
		ApprovalPath: []model.LevelSpec{}, SLAStatus: model.SLAOnTime,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateRequest(context.Background(), req, nil, history, events))
}

func notificationEvent(id string) *model.OutboxEvent {
	payload, _ := json.Marshal(model.NotificationPayload{
		RecipientID: "fiona", RequestID: "req-1", Reason: model.NotifyPending,
	})
	return &model.OutboxEvent{
		ID: id, TenantID: "school-a", RequestID: "req-1",
		EventType: model.EventNotificationRequested, Payload: payload,
		Status: model.OutboxPending, CreatedAt: time.Now().UTC(),
	}
}

func decisionEvent(id string) *model.OutboxEvent {
	payload, _ := json.Marshal(model.DecisionCompletedPayload{
		RequestID: "req-1", FinalStatus: model.RequestApproved, FinalApproverID: "petra",
	})
	return &model.OutboxEvent{
		ID: id, TenantID: "school-a", RequestID: "req-1",
		EventType: model.EventDecisionCompleted, Payload: payload,
		Status: model.OutboxPending, CreatedAt: time.Now().UTC(),
	}
}

func TestDispatcherRoutesByEventType(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRequest(t, mem, nil, []*model.OutboxEvent{notificationEvent("ev-1"), decisionEvent("ev-2")})

	producer := &fakeProducer{}
	d := events.NewDispatcher(mem, producer, nil, events.DispatcherConfig{})

	done, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	topics := map[string]int{}
	for _, m := range producer.messages {
		topics[m.topic]++
		assert.Equal(t, "req-1", m.key, "events are keyed by request id")
	}
	assert.Equal(t, map[string]int{"approval.notifications": 1, "approval.decisions": 1}, topics)
	assert.Empty(t, mem.PendingOutbox())

	for _, ev := range mem.AllOutbox() {
		assert.Equal(t, model.OutboxSent, ev.Status)
		assert.NotNil(t, ev.SentAt)
	}
}

func TestDispatcherBundlesLedgerIntoDecision(t *testing.T) {
	mem := store.NewMemoryStore()
	rationale := "over budget"
	history := []*model.DecisionHistoryEntry{
		{ID: "h-1", TenantID: "school-a", RequestID: "req-1",
			EntryType: model.HistoryCreated, ActorID: "rita", CreatedAt: time.Now().UTC()},
		{ID: "h-2", TenantID: "school-a", RequestID: "req-1",
			EntryType: model.HistoryRejected, ActorID: "petra", Rationale: &rationale,
			CreatedAt: time.Now().UTC()},
	}
	seedRequest(t, mem, history, []*model.OutboxEvent{decisionEvent("ev-1")})

	producer := &fakeProducer{}
	archiver := &fakeArchiver{}
	d := events.NewDispatcher(mem, producer, archiver, events.DispatcherConfig{})

	done, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	require.Len(t, producer.messages, 1)
	var bundle model.DecisionCompletedPayload
	require.NoError(t, json.Unmarshal(producer.messages[0].value, &bundle))
	assert.Equal(t, model.RequestApproved, bundle.FinalStatus)
	assert.Equal(t, "petra", bundle.FinalApproverID)
	require.Len(t, bundle.History, 2, "bundle carries the full ledger")
	assert.Equal(t, model.HistoryCreated, bundle.History[0].EntryType)
	assert.Equal(t, model.HistoryRejected, bundle.History[1].EntryType)

	// The archive copy is recorded on the outbox row.
	require.Equal(t, []string{"decisions/req-1.json"}, archiver.keys)
	all := mem.AllOutbox()
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ArchivedKey)
	assert.Equal(t, "decisions/req-1.json", *all[0].ArchivedKey)
}

func TestDispatcherReturnsFailedEventToPending(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRequest(t, mem, nil, []*model.OutboxEvent{notificationEvent("ev-1")})

	producer := &fakeProducer{err: errors.New("broker unreachable")}
	d := events.NewDispatcher(mem, producer, nil, events.DispatcherConfig{})

	done, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)

	pending := mem.PendingOutbox()
	require.Len(t, pending, 1, "failed events go back to pending for retry")
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].LastError)
	assert.Contains(t, *pending[0].LastError, "broker unreachable")

	// Next drain retries and succeeds.
	producer.err = nil
	done, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, mem.PendingOutbox())
}

func TestDispatcherRecoversOrphanedClaims(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRequest(t, mem, nil, []*model.OutboxEvent{notificationEvent("ev-1")})

	// A dispatcher claims the row and dies before recording a result.
	claimed, err := mem.FetchPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Empty(t, mustFetch(t, mem), "claimed rows are invisible to other dispatchers")

	// Within the lease window the claim holds.
	n, err := mem.RequeueStaleEvents(context.Background(), time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the lease window the row returns to pending and redelivers.
	n, err = mem.RequeueStaleEvents(context.Background(), time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	producer := &fakeProducer{}
	d := events.NewDispatcher(mem, producer, nil, events.DispatcherConfig{})
	done, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	require.Len(t, producer.messages, 1)

	all := mem.AllOutbox()
	require.Len(t, all, 1)
	assert.Equal(t, model.OutboxSent, all[0].Status)
	assert.Equal(t, 2, all[0].Attempts)
}

func mustFetch(t *testing.T, s *store.MemoryStore) []*model.OutboxEvent {
	t.Helper()
	evs, err := s.FetchPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	return evs
}

func TestDispatcherMarksUnroutableEventFailed(t *testing.T) {
	mem := store.NewMemoryStore()
	bogus := notificationEvent("ev-1")
	bogus.EventType = model.EventType("something.else")
	seedRequest(t, mem, nil, []*model.OutboxEvent{bogus})

	producer := &fakeProducer{}
	d := events.NewDispatcher(mem, producer, nil, events.DispatcherConfig{})

	done, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Empty(t, producer.messages)

	// Unroutable rows never return to pending.
	assert.Empty(t, mem.PendingOutbox())
	all := mem.AllOutbox()
	require.Len(t, all, 1)
	assert.Equal(t, model.OutboxFailed, all[0].Status)
	require.NotNil(t, all[0].LastError)
	assert.Contains(t, *all[0].LastError, "unknown event type")
}
