// Package storage defines the persistence port consumed by the federation
// engine and its two interchangeable implementations: an in-memory store and
// a relational store. The engine never depends on backend-specific behavior;
// a freshly constructed engine must reconstruct identical state from either.
package storage

import (
	"context"
	"fmt"
	"time"

	"commune/pkg/types"
)

// Store is the persistence port for federation state. All Save methods have
// insert-or-update semantics keyed on the entity's identity: instance origin,
// event id, and the (target, event id) pair respectively.
type Store interface {
	SaveInstance(ctx context.Context, inst *types.RemoteInstance) error
	ListInstances(ctx context.Context) ([]*types.RemoteInstance, error)
	DeleteInstance(ctx context.Context, origin string) error

	SaveEvent(ctx context.Context, ev *types.OutboxEvent) error
	// ListEvents returns all outbox events in ascending sequence order.
	ListEvents(ctx context.Context) ([]*types.OutboxEvent, error)
	DeleteEvent(ctx context.Context, eventID string) error

	SaveAttempt(ctx context.Context, at *types.DeliveryAttempt) error
	ListAttempts(ctx context.Context) ([]*types.DeliveryAttempt, error)
	// ListDueAttempts returns pending attempts whose NextAttempt is not after
	// the given time.
	ListDueAttempts(ctx context.Context, before time.Time) ([]*types.DeliveryAttempt, error)
	DeleteAttempt(ctx context.Context, target, eventID string) error

	Close() error
}

// Backend names a store implementation selectable through configuration.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Open constructs the store selected by backend. For sqlite the DSN is a
// file path (or ":memory:"); for postgres a standard connection string.
func Open(backend Backend, dsn string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(dsn)
	case BackendPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
