package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/storage"
	"commune/pkg/types"
)

const (
	// DefaultRetention caps how many events the outbox keeps before pruning
	// oldest entries.
	DefaultRetention = 1000

	// MaxPageSize and DefaultPageSize bound outbox pagination.
	MaxPageSize     = 200
	DefaultPageSize = 50
)

// Outbox is the append-only, sequence-ordered log of locally originated
// events. Events are signed on append and immutable afterwards; only the
// delivered-to set of an entry grows.
type Outbox struct {
	mu     sync.RWMutex
	events []*types.OutboxEvent // ascending by Seq
	byID   map[string]*types.OutboxEvent
	seq    int64

	origin    string
	signer    *identity.Signer
	store     storage.Store
	retention int
	logger    *zap.Logger
}

// NewOutbox creates an outbox for the given origin, reloading persisted
// events and resuming the sequence counter after the highest stored entry.
func NewOutbox(origin string, signer *identity.Signer, store storage.Store, logger *zap.Logger) (*Outbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Outbox{
		byID:      make(map[string]*types.OutboxEvent),
		origin:    origin,
		signer:    signer,
		store:     store,
		retention: DefaultRetention,
		logger:    logger,
	}

	stored, err := store.ListEvents(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })
	for _, ev := range stored {
		o.events = append(o.events, ev)
		o.byID[ev.Event.ID] = ev
		if ev.Seq > o.seq {
			o.seq = ev.Seq
		}
	}

	return o, nil
}

// SetRetention overrides the retention cap. Values below 1 are ignored.
func (o *Outbox) SetRetention(n int) {
	if n < 1 {
		return
	}
	o.mu.Lock()
	o.retention = n
	o.mu.Unlock()
}

// Append assigns the next sequence id, signs the event and persists it,
// pruning oldest entries beyond the retention cap. Returns the stored event.
func (o *Outbox) Append(ctx context.Context, kind types.EventKind, object json.RawMessage) (*types.OutboxEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}

	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	ev := types.FederationEvent{
		ID:        fmt.Sprintf("%s/federation/events/%d", o.origin, seq),
		Type:      kind,
		Origin:    o.origin,
		Timestamp: time.Now().UTC(),
		Object:    object,
	}
	sig, err := o.signer.Sign(&ev)
	if err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	ev.Signature = sig

	entry := &types.OutboxEvent{Seq: seq, Event: ev}
	if err := o.store.SaveEvent(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist event %s: %w", ev.ID, err)
	}

	// The sequence id is allocated in an earlier critical section, so a
	// concurrent Append may get here first with a higher id. Insert by Seq
	// to keep the slice ascending for Page and pruneLocked.
	o.mu.Lock()
	i := sort.Search(len(o.events), func(i int) bool { return o.events[i].Seq > seq })
	o.events = append(o.events, nil)
	copy(o.events[i+1:], o.events[i:])
	o.events[i] = entry
	o.byID[ev.ID] = entry
	pruned := o.pruneLocked()
	o.mu.Unlock()

	for _, id := range pruned {
		if err := o.store.DeleteEvent(ctx, id); err != nil {
			o.logger.Warn("Failed to delete pruned event", zap.String("event_id", id), zap.Error(err))
		}
	}

	o.logger.Debug("Event appended",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(kind)),
		zap.Int("pruned", len(pruned)))

	return entry, nil
}

// pruneLocked removes oldest entries beyond the retention cap and returns
// their ids so the caller can remove the persisted form.
func (o *Outbox) pruneLocked() []string {
	if len(o.events) <= o.retention {
		return nil
	}
	excess := len(o.events) - o.retention
	var pruned []string
	for _, ev := range o.events[:excess] {
		delete(o.byID, ev.Event.ID)
		pruned = append(pruned, ev.Event.ID)
	}
	o.events = append([]*types.OutboxEvent(nil), o.events[excess:]...)
	return pruned
}

// Page returns events in sequence order starting after the since cursor.
// The cursor is an event id; an unknown cursor fails open and the page
// starts from the beginning. The returned cursor is the id of the last
// event in the page; hasMore reports whether further events follow.
func (o *Outbox) Page(since string, limit int) (events []types.FederationEvent, cursor string, hasMore bool) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	start := 0
	if since != "" {
		if ev, ok := o.byID[since]; ok {
			start = sort.Search(len(o.events), func(i int) bool { return o.events[i].Seq > ev.Seq })
		}
	}

	end := start + limit
	if end > len(o.events) {
		end = len(o.events)
	}
	for _, ev := range o.events[start:end] {
		events = append(events, ev.Event)
	}
	if len(events) > 0 {
		cursor = events[len(events)-1].ID
	}
	return events, cursor, end < len(o.events)
}

// Get returns the outbox entry with the given event id.
func (o *Outbox) Get(eventID string) (*types.OutboxEvent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ev, ok := o.byID[eventID]
	if !ok {
		return nil, false
	}
	cp := *ev
	cp.DeliveredTo = append([]string(nil), ev.DeliveredTo...)
	return &cp, true
}

// Len returns the number of events currently retained.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.events)
}

// MarkDelivered records that origin acknowledged the event. Idempotent:
// a second call for the same pair is a no-op. The save happens under the
// lock: concurrent acknowledgements of one event must not persist stale
// snapshots of each other's sets.
func (o *Outbox) MarkDelivered(ctx context.Context, eventID, origin string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ev, ok := o.byID[eventID]
	if !ok {
		return nil // pruned; nothing to record
	}
	if ev.Delivered(origin) {
		return nil
	}
	ev.DeliveredTo = append(ev.DeliveredTo, origin)
	sort.Strings(ev.DeliveredTo)
	cp := *ev
	cp.DeliveredTo = append([]string(nil), ev.DeliveredTo...)

	if err := o.store.SaveEvent(ctx, &cp); err != nil {
		return fmt.Errorf("failed to persist delivery of %s: %w", eventID, err)
	}
	return nil
}
