package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"commune/pkg/storage"
	"commune/pkg/types"
)

const (
	// MaxDeliveryAttempts is the retry budget per (target, event) pair.
	MaxDeliveryAttempts = 5

	// PushTimeout bounds a single inbox push so one unreachable peer cannot
	// stall a drain cycle.
	PushTimeout = 15 * time.Second

	// TerminalRetention is how long delivered/failed attempts are kept for
	// observability before being swept.
	TerminalRetention = time.Hour

	// OriginHeader carries the claimed origin of a pushed envelope.
	OriginHeader = "X-Commune-Origin"
)

// BackoffLadder is the fixed sequence of retry delays. The attempt count
// indexes it (attemptCount-1), clamped to the last entry.
var BackoffLadder = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// DrainStats aggregates the outcome of one drain cycle.
type DrainStats struct {
	Processed int
	Succeeded int
	Failed    int
}

// StatusSummary is the operational view of the delivery queue.
type StatusSummary struct {
	Pending   int                      `json:"pending"`
	Delivered int                      `json:"delivered"`
	Failed    int                      `json:"failed"`
	Attempts  []*types.DeliveryAttempt `json:"attempts"`
}

// Queue tracks per (target, event) delivery attempts and pushes due events
// to peer inboxes. Status transitions are monotone: pending reschedules to
// pending until the retry budget is exhausted, then delivered and failed are
// terminal and only age out of storage.
type Queue struct {
	mu       sync.Mutex
	attempts map[string]*types.DeliveryAttempt

	outbox    *Outbox
	directory *Directory
	store     storage.Store
	client    *http.Client
	logger    *zap.Logger
	metrics   *Metrics

	now       func() time.Time
	retention time.Duration
}

// NewQueue creates a delivery queue, reloading persisted attempts so retry
// state survives restarts.
func NewQueue(outbox *Outbox, directory *Directory, store storage.Store, logger *zap.Logger, metrics *Metrics) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		attempts:  make(map[string]*types.DeliveryAttempt),
		outbox:    outbox,
		directory: directory,
		store:     store,
		client:    &http.Client{Timeout: PushTimeout},
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		retention: TerminalRetention,
	}

	stored, err := store.ListAttempts(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery attempts: %w", err)
	}
	for _, at := range stored {
		q.attempts[attemptKey(at.Target, at.EventID)] = at
	}

	return q, nil
}

func attemptKey(target, eventID string) string {
	return target + "\x00" + eventID
}

// SetNowFunc overrides the clock, for tests.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue creates a pending attempt per target that is not already queued
// for this event, immediately eligible for delivery. A nil target list fans
// out to all currently trusted known instances. Idempotent per pair.
func (q *Queue) Enqueue(ctx context.Context, eventID string, targets []string) error {
	if targets == nil {
		targets = q.directory.TrustedOrigins()
	}

	var created []*types.DeliveryAttempt
	q.mu.Lock()
	now := q.now()
	for _, target := range targets {
		key := attemptKey(target, eventID)
		if _, exists := q.attempts[key]; exists {
			continue
		}
		at := &types.DeliveryAttempt{
			Target:      target,
			EventID:     eventID,
			Status:      types.AttemptPending,
			NextAttempt: now,
		}
		q.attempts[key] = at
		cp := *at
		created = append(created, &cp)
	}
	q.mu.Unlock()

	for _, at := range created {
		if err := q.store.SaveAttempt(ctx, at); err != nil {
			return fmt.Errorf("failed to persist attempt %s -> %s: %w", at.EventID, at.Target, err)
		}
		q.metrics.AttemptEnqueued()
	}

	q.logger.Debug("Event enqueued",
		zap.String("event_id", eventID),
		zap.Int("targets", len(created)))
	return nil
}

// Drain processes every pending attempt that is due: it resolves the event,
// pushes it to the target's inbox and records the outcome. Pushes to
// distinct targets run concurrently; a failure on one target never aborts
// the others. Attempts whose event was pruned from the outbox are silently
// dropped. Terminal attempts older than the retention window are swept from
// memory and durable storage.
func (q *Queue) Drain(ctx context.Context) DrainStats {
	started := time.Now()

	q.mu.Lock()
	now := q.now()
	var due []*types.DeliveryAttempt
	for _, at := range q.attempts {
		if at.Status == types.AttemptPending && !at.NextAttempt.After(now) {
			cp := *at
			due = append(due, &cp)
		}
	}
	q.mu.Unlock()

	var stats DrainStats
	var statsMu sync.Mutex
	var wg sync.WaitGroup

	for _, at := range due {
		stats.Processed++

		entry, ok := q.outbox.Get(at.EventID)
		if !ok {
			q.drop(ctx, at.Target, at.EventID)
			continue
		}

		wg.Add(1)
		go func(at *types.DeliveryAttempt, ev types.FederationEvent) {
			defer wg.Done()
			err := q.push(ctx, at.Target, ev)
			q.recordOutcome(ctx, at.Target, at.EventID, err)

			statsMu.Lock()
			if err == nil {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			statsMu.Unlock()
		}(at, entry.Event)
	}

	wg.Wait()
	q.sweep(ctx)

	q.metrics.ObserveDrain(time.Since(started), stats)
	if stats.Processed > 0 {
		q.logger.Debug("Drain cycle complete",
			zap.Int("processed", stats.Processed),
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("failed", stats.Failed))
	}
	return stats
}

// Status returns aggregate counts and the raw attempt list.
func (q *Queue) Status() StatusSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := StatusSummary{}
	for _, at := range q.attempts {
		switch at.Status {
		case types.AttemptPending:
			s.Pending++
		case types.AttemptDelivered:
			s.Delivered++
		case types.AttemptFailed:
			s.Failed++
		}
		cp := *at
		s.Attempts = append(s.Attempts, &cp)
	}
	sortAttemptList(s.Attempts)
	return s
}

// push delivers one signed event to the target's inbox. Any transport error
// or non-2xx response counts as failure.
func (q *Queue) push(ctx context.Context, target string, ev types.FederationEvent) error {
	inbox, err := q.directory.ResolveInbox(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve inbox: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OriginHeader, ev.Origin)

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("inbox returned status %d", resp.StatusCode)
	}
	return nil
}

// recordOutcome applies one push result to the live attempt record and
// persists it. Attempt counts grow on success and failure alike, so a
// delivery that succeeds on attempt k shows exactly k attempts.
func (q *Queue) recordOutcome(ctx context.Context, target, eventID string, pushErr error) {
	q.mu.Lock()
	at, ok := q.attempts[attemptKey(target, eventID)]
	if !ok || at.Status.Terminal() {
		q.mu.Unlock()
		return
	}

	now := q.now()
	at.Attempts++
	at.LastAttempt = now

	if pushErr == nil {
		at.Status = types.AttemptDelivered
		at.LastError = ""
	} else {
		at.LastError = pushErr.Error()
		if at.Attempts >= MaxDeliveryAttempts {
			at.Status = types.AttemptFailed
		} else {
			idx := at.Attempts - 1
			if idx >= len(BackoffLadder) {
				idx = len(BackoffLadder) - 1
			}
			at.NextAttempt = now.Add(BackoffLadder[idx])
		}
	}
	cp := *at
	q.mu.Unlock()

	if err := q.store.SaveAttempt(ctx, &cp); err != nil {
		q.logger.Warn("Failed to persist attempt outcome",
			zap.String("target", target), zap.String("event_id", eventID), zap.Error(err))
	}

	if pushErr == nil {
		if err := q.outbox.MarkDelivered(ctx, eventID, target); err != nil {
			q.logger.Warn("Failed to record delivery on event",
				zap.String("event_id", eventID), zap.Error(err))
		}
		q.directory.MarkContact(ctx, target)
		q.metrics.DeliverySucceeded(cp.Attempts)
		q.logger.Info("Event delivered",
			zap.String("event_id", eventID),
			zap.String("target", target),
			zap.Int("attempts", cp.Attempts))
		return
	}

	q.directory.MarkError(ctx, target, pushErr)
	if cp.Status == types.AttemptFailed {
		q.metrics.DeliveryExhausted()
		q.logger.Warn("Delivery failed permanently",
			zap.String("event_id", eventID),
			zap.String("target", target),
			zap.Int("attempts", cp.Attempts),
			zap.Error(pushErr))
	} else {
		q.metrics.DeliveryRetried()
		q.logger.Debug("Delivery rescheduled",
			zap.String("event_id", eventID),
			zap.String("target", target),
			zap.Int("attempts", cp.Attempts),
			zap.Time("next_attempt", cp.NextAttempt))
	}
}

// drop removes an attempt whose event no longer exists in the outbox.
func (q *Queue) drop(ctx context.Context, target, eventID string) {
	q.mu.Lock()
	delete(q.attempts, attemptKey(target, eventID))
	q.mu.Unlock()

	if err := q.store.DeleteAttempt(ctx, target, eventID); err != nil {
		q.logger.Warn("Failed to delete orphaned attempt",
			zap.String("target", target), zap.String("event_id", eventID), zap.Error(err))
	}
}

// sweep deletes terminal attempts older than the retention window.
func (q *Queue) sweep(ctx context.Context) {
	q.mu.Lock()
	now := q.now()
	var expired []*types.DeliveryAttempt
	for key, at := range q.attempts {
		if at.Status.Terminal() && now.Sub(at.LastAttempt) > q.retention {
			delete(q.attempts, key)
			cp := *at
			expired = append(expired, &cp)
		}
	}
	q.mu.Unlock()

	for _, at := range expired {
		if err := q.store.DeleteAttempt(ctx, at.Target, at.EventID); err != nil {
			q.logger.Warn("Failed to delete expired attempt",
				zap.String("target", at.Target), zap.String("event_id", at.EventID), zap.Error(err))
		}
	}
}

func sortAttemptList(attempts []*types.DeliveryAttempt) {
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].Target != attempts[j].Target {
			return attempts[i].Target < attempts[j].Target
		}
		return attempts[i].EventID < attempts[j].EventID
	})
}
