package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"commune/pkg/types"
)

// MemoryStore keeps all federation state in process memory. It mirrors the
// relational store's semantics exactly, including value-copy isolation:
// callers never observe later mutations through previously returned records.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]types.RemoteInstance
	events    map[string]types.OutboxEvent
	attempts  map[string]types.DeliveryAttempt // key: target + "\x00" + eventID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]types.RemoteInstance),
		events:    make(map[string]types.OutboxEvent),
		attempts:  make(map[string]types.DeliveryAttempt),
	}
}

func attemptKey(target, eventID string) string {
	return target + "\x00" + eventID
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst *types.RemoteInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.Origin] = *inst
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context) ([]*types.RemoteInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RemoteInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}

func (s *MemoryStore) DeleteInstance(_ context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, origin)
	return nil
}

func (s *MemoryStore) SaveEvent(_ context.Context, ev *types.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.DeliveredTo = append([]string(nil), ev.DeliveredTo...)
	s.events[ev.Event.ID] = cp
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]*types.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.OutboxEvent, 0, len(s.events))
	for _, ev := range s.events {
		cp := ev
		cp.DeliveredTo = append([]string(nil), ev.DeliveredTo...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, eventID)
	return nil
}

func (s *MemoryStore) SaveAttempt(_ context.Context, at *types.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attemptKey(at.Target, at.EventID)] = *at
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context) ([]*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.DeliveryAttempt, 0, len(s.attempts))
	for _, at := range s.attempts {
		cp := at
		out = append(out, &cp)
	}
	sortAttempts(out)
	return out, nil
}

func (s *MemoryStore) ListDueAttempts(_ context.Context, before time.Time) ([]*types.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DeliveryAttempt
	for _, at := range s.attempts {
		if at.Status == types.AttemptPending && !at.NextAttempt.After(before) {
			cp := at
			out = append(out, &cp)
		}
	}
	sortAttempts(out)
	return out, nil
}

func (s *MemoryStore) DeleteAttempt(_ context.Context, target, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptKey(target, eventID))
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortAttempts(attempts []*types.DeliveryAttempt) {
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].Target != attempts[j].Target {
			return attempts[i].Target < attempts[j].Target
		}
		return attempts[i].EventID < attempts[j].EventID
	})
}
