package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scholaris/approval-engine/internal/model"
	"github.com/scholaris/approval-engine/internal/store"
)

// DispatcherConfig configures the outbox dispatch loop.
type DispatcherConfig struct {
	// DecisionsTopic receives decision.completed events.
	DecisionsTopic string
	// NotificationsTopic receives notification.requested events.
	NotificationsTopic string

	// BatchSize is how many outbox rows to claim per poll.
	BatchSize int
	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration
	// MaxConcurrency bounds concurrent processing of claimed events.
	MaxConcurrency int
	// LeaseWindow is how long a claimed row may stay in_progress before a
	// poll returns it to pending. Must exceed the per-event timeout so a
	// live dispatcher never loses its own claims.
	LeaseWindow time.Duration
}

// Dispatcher drains the engine's outbox: it claims pending rows
// (attempts incremented, status in_progress), publishes each to the topic its
// event type maps to, archives decision.completed bundles to object storage,
// and records the per-row outcome so the database drives retries.
type Dispatcher struct {
	store    store.Store
	producer Producer
	archiver Archiver
	cfg      DispatcherConfig

	wg sync.WaitGroup
}

// NewDispatcher constructs a dispatcher. The archiver may be nil; decision
// bundles are then published without an archive copy.
func NewDispatcher(s store.Store, producer Producer, archiver Archiver, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.DecisionsTopic == "" {
		cfg.DecisionsTopic = "approval.decisions"
	}
	if cfg.NotificationsTopic == "" {
		cfg.NotificationsTopic = "approval.notifications"
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = 5 * time.Minute
	}
	return &Dispatcher{
		store:    s,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls the outbox until ctx is cancelled. Safe to run in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[events.dispatcher] starting (batch=%d, concurrency=%d)", d.cfg.BatchSize, d.cfg.MaxConcurrency)
	defer log.Printf("[events.dispatcher] stopped")

	sem := make(chan struct{}, d.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			if d.producer != nil {
				_ = d.producer.Close()
			}
			return ctx.Err()
		default:
		}

		d.requeueStale(ctx)

		evs, err := d.store.FetchPendingEvents(ctx, d.cfg.BatchSize)
		if err != nil {
			log.Printf("[events.dispatcher] fetch pending: %v", err)
			time.Sleep(d.cfg.PollInterval)
			continue
		}
		if len(evs) == 0 {
			time.Sleep(d.cfg.PollInterval)
			continue
		}

		for _, ev := range evs {
			if ctx.Err() != nil {
				break
			}

			sem <- struct{}{}
			d.wg.Add(1)
			go func(ev *model.OutboxEvent) {
				defer func() {
					<-sem
					d.wg.Done()
				}()
				if err := d.processEvent(ctx, ev); err != nil {
					// processEvent already records the outcome; just log.
					log.Printf("[events.dispatcher] event %s: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the batch before claiming more so retries stay bounded.
		for i := 0; i < d.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < d.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// requeueStale recovers claims left in_progress by a crashed dispatcher.
// Rows claimed within the lease window stay claimed.
func (d *Dispatcher) requeueStale(ctx context.Context) {
	n, err := d.store.RequeueStaleEvents(ctx, time.Now().UTC().Add(-d.cfg.LeaseWindow))
	if err != nil {
		log.Printf("[events.dispatcher] requeue stale: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[events.dispatcher] requeued %d stale in_progress events", n)
	}
}

// DrainOnce claims and processes a single batch synchronously. Used by tests
// and by shutdown paths that want to flush remaining work.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	evs, err := d.store.FetchPendingEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, ev := range evs {
		if err := d.processEvent(ctx, ev); err != nil {
			log.Printf("[events.dispatcher] event %s: %v", ev.ID, err)
			continue
		}
		done++
	}
	return done, nil
}

func (d *Dispatcher) topicFor(ev *model.OutboxEvent) (string, error) {
	switch ev.EventType {
	case model.EventDecisionCompleted:
		return d.cfg.DecisionsTopic, nil
	case model.EventNotificationRequested:
		return d.cfg.NotificationsTopic, nil
	default:
		return "", fmt.Errorf("unknown event type %q", ev.EventType)
	}
}

// processEvent publishes one outbox row and records the result. Events are
// keyed by request id so every consumer sees a request's events in order.
// decision.completed bundles get the full ledger attached before publishing
// and are archived to object storage.
func (d *Dispatcher) processEvent(parentCtx context.Context, ev *model.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	topic, err := d.topicFor(ev)
	if err != nil {
		// A row the dispatcher can never route stays failed, not retried.
		_ = d.store.MarkEventFailed(parentCtx, ev.ID, err.Error())
		return err
	}

	body := []byte(ev.Payload)
	if ev.EventType == model.EventDecisionCompleted {
		body, err = d.decisionBundle(ctx, ev)
		if err != nil {
			_ = d.store.MarkEventResult(parentCtx, ev.ID, nil, false, fmt.Sprintf("build bundle: %v", err))
			return fmt.Errorf("build bundle: %w", err)
		}
	}

	if err := d.producer.Produce(ctx, topic, []byte(ev.RequestID), body); err != nil {
		_ = d.store.MarkEventResult(parentCtx, ev.ID, nil, false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey *string
	if ev.EventType == model.EventDecisionCompleted && d.archiver != nil {
		key, err := d.archiver.Archive(ctx, ev, body)
		if err != nil {
			_ = d.store.MarkEventResult(parentCtx, ev.ID, nil, false, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
		archivedKey = &key
	}

	if err := d.store.MarkEventResult(parentCtx, ev.ID, archivedKey, true, ""); err != nil {
		return fmt.Errorf("mark event result: %w", err)
	}
	return nil
}

// decisionBundle expands a decision.completed payload with the request's
// complete ledger. The ledger is only read here, at publish time, so the
// bundle always carries every entry including the terminal one.
func (d *Dispatcher) decisionBundle(ctx context.Context, ev *model.OutboxEvent) ([]byte, error) {
	var payload model.DecisionCompletedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	entries, err := d.store.ListHistory(ctx, ev.RequestID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	payload.History = make([]model.DecisionHistoryEntry, len(entries))
	for i, e := range entries {
		payload.History[i] = *e
	}
	return json.Marshal(payload)
}
