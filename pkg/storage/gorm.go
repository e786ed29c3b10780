package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"commune/pkg/types"
)

// instanceRecord is the relational form of a remote instance.
type instanceRecord struct {
	Origin    string `gorm:"primaryKey;type:varchar(255)"`
	Version   string `gorm:"type:varchar(32)"`
	InboxURL  string `gorm:"type:varchar(512)"`
	OutboxURL string `gorm:"type:varchar(512)"`
	TrustMode string `gorm:"type:varchar(16)"`
	Identity  string `gorm:"type:varchar(128)"`
	LastSeen  time.Time
	LastError string `gorm:"type:text"`
	Allowed   bool
	Blocked   bool
	UpdatedAt time.Time
}

func (instanceRecord) TableName() string { return "remote_instances" }

// outboxRecord is the relational form of an outbox event. DeliveredTo is a
// JSON-encoded array of origins.
type outboxRecord struct {
	EventID     string `gorm:"primaryKey;type:varchar(512)"`
	Seq         int64  `gorm:"uniqueIndex:ux_outbox_seq;not null"`
	Kind        string `gorm:"type:varchar(32);not null"`
	Origin      string `gorm:"type:varchar(255);not null"`
	Timestamp   time.Time
	Object      string `gorm:"type:text"`
	Signature   string `gorm:"type:text"`
	DeliveredTo string `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (outboxRecord) TableName() string { return "outbox_events" }

// attemptRecord is the relational form of a delivery attempt. The composite
// (target, event_id) unique index carries the upsert identity.
type attemptRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	Target      string `gorm:"type:varchar(255);index:idx_attempt_pair,unique;not null"`
	EventID     string `gorm:"type:varchar(512);index:idx_attempt_pair,unique;not null"`
	Attempts    int
	Status      string `gorm:"type:varchar(16);index:idx_attempt_status"`
	LastAttempt time.Time
	NextAttempt time.Time `gorm:"index:idx_attempt_due"`
	LastError   string    `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (attemptRecord) TableName() string { return "delivery_attempts" }

// GormStore is the durable relational implementation of the persistence port.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&instanceRecord{}, &outboxRecord{}, &attemptRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate federation schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// OpenSQLite opens a sqlite-backed store at the given path.
func OpenSQLite(dsn string) (*GormStore, error) {
	if dsn == "" {
		dsn = "commune.db"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return NewGormStore(db)
}

// OpenPostgres opens a postgres-backed store with the given connection string.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return NewGormStore(db)
}

func (s *GormStore) SaveInstance(ctx context.Context, inst *types.RemoteInstance) error {
	rec := &instanceRecord{
		Origin:    inst.Origin,
		Version:   inst.Version,
		InboxURL:  inst.InboxURL,
		OutboxURL: inst.OutboxURL,
		TrustMode: string(inst.TrustMode),
		Identity:  inst.Identity,
		LastSeen:  inst.LastSeen,
		LastError: inst.LastError,
		Allowed:   inst.Allowed,
		Blocked:   inst.Blocked,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "origin"}}, UpdateAll: true}).
		Create(rec).Error
}

func (s *GormStore) ListInstances(ctx context.Context) ([]*types.RemoteInstance, error) {
	var recs []instanceRecord
	if err := s.db.WithContext(ctx).Order("origin").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.RemoteInstance, len(recs))
	for i, r := range recs {
		out[i] = &types.RemoteInstance{
			Origin:    r.Origin,
			Version:   r.Version,
			InboxURL:  r.InboxURL,
			OutboxURL: r.OutboxURL,
			TrustMode: types.TrustMode(r.TrustMode),
			Identity:  r.Identity,
			LastSeen:  r.LastSeen,
			LastError: r.LastError,
			Allowed:   r.Allowed,
			Blocked:   r.Blocked,
		}
	}
	return out, nil
}

func (s *GormStore) DeleteInstance(ctx context.Context, origin string) error {
	return s.db.WithContext(ctx).Where("origin = ?", origin).Delete(&instanceRecord{}).Error
}

func (s *GormStore) SaveEvent(ctx context.Context, ev *types.OutboxEvent) error {
	delivered, err := json.Marshal(ev.DeliveredTo)
	if err != nil {
		return fmt.Errorf("failed to encode delivered-to set: %w", err)
	}
	rec := &outboxRecord{
		EventID:     ev.Event.ID,
		Seq:         ev.Seq,
		Kind:        string(ev.Event.Type),
		Origin:      ev.Event.Origin,
		Timestamp:   ev.Event.Timestamp,
		Object:      string(ev.Event.Object),
		Signature:   ev.Event.Signature,
		DeliveredTo: string(delivered),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, UpdateAll: true}).
		Create(rec).Error
}

func (s *GormStore) ListEvents(ctx context.Context) ([]*types.OutboxEvent, error) {
	var recs []outboxRecord
	if err := s.db.WithContext(ctx).Order("seq").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.OutboxEvent, len(recs))
	for i, r := range recs {
		var delivered []string
		if r.DeliveredTo != "" {
			if err := json.Unmarshal([]byte(r.DeliveredTo), &delivered); err != nil {
				return nil, fmt.Errorf("failed to decode delivered-to set for %s: %w", r.EventID, err)
			}
		}
		out[i] = &types.OutboxEvent{
			Seq: r.Seq,
			Event: types.FederationEvent{
				ID:        r.EventID,
				Type:      types.EventKind(r.Kind),
				Origin:    r.Origin,
				Timestamp: r.Timestamp,
				Object:    json.RawMessage(r.Object),
				Signature: r.Signature,
			},
			DeliveredTo: delivered,
		}
	}
	return out, nil
}

func (s *GormStore) DeleteEvent(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&outboxRecord{}).Error
}

func (s *GormStore) SaveAttempt(ctx context.Context, at *types.DeliveryAttempt) error {
	rec := &attemptRecord{
		ID:          uuid.New().String(),
		Target:      at.Target,
		EventID:     at.EventID,
		Attempts:    at.Attempts,
		Status:      string(at.Status),
		LastAttempt: at.LastAttempt,
		NextAttempt: at.NextAttempt,
		LastError:   at.LastError,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "target"}, {Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"attempts", "status", "last_attempt", "next_attempt", "last_error", "updated_at",
			}),
		}).
		Create(rec).Error
}

func (s *GormStore) ListAttempts(ctx context.Context) ([]*types.DeliveryAttempt, error) {
	var recs []attemptRecord
	if err := s.db.WithContext(ctx).Order("target, event_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return attemptsFromRecords(recs), nil
}

func (s *GormStore) ListDueAttempts(ctx context.Context, before time.Time) ([]*types.DeliveryAttempt, error) {
	var recs []attemptRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt <= ?", string(types.AttemptPending), before).
		Order("target, event_id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return attemptsFromRecords(recs), nil
}

func (s *GormStore) DeleteAttempt(ctx context.Context, target, eventID string) error {
	return s.db.WithContext(ctx).
		Where("target = ? AND event_id = ?", target, eventID).
		Delete(&attemptRecord{}).Error
}

// Close releases the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func attemptsFromRecords(recs []attemptRecord) []*types.DeliveryAttempt {
	out := make([]*types.DeliveryAttempt, len(recs))
	for i, r := range recs {
		out[i] = &types.DeliveryAttempt{
			Target:      r.Target,
			EventID:     r.EventID,
			Attempts:    r.Attempts,
			Status:      types.AttemptStatus(r.Status),
			LastAttempt: r.LastAttempt,
			NextAttempt: r.NextAttempt,
			LastError:   r.LastError,
		}
	}
	return out
}
