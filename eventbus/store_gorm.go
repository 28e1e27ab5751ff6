package eventbus

import (
	"context"
	"encoding/json"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// eventRecord 事件日志表，Seq 提供全局顺序
type eventRecord struct {
	Seq           uint64    `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"size:64;uniqueIndex"`
	Type          string    `gorm:"size:128;index"`
	AggregateType string    `gorm:"size:128;index:idx_eventbus_aggregate,priority:1"`
	AggregateID   string    `gorm:"size:128;index:idx_eventbus_aggregate,priority:2"`
	Version       int64     `gorm:"index:idx_eventbus_aggregate,priority:3"`
	Data          []byte    `gorm:"type:mediumblob"`
	Metadata      []byte    `gorm:"type:blob"`
	OccurredAt    time.Time `gorm:"index"`
}

func (eventRecord) TableName() string { return "eventbus_events" }

type deadLetterRecord struct {
	ID       string `gorm:"primaryKey;size:64"`
	Event    []byte `gorm:"type:mediumblob"`
	Error    string `gorm:"type:text"`
	Handler  string `gorm:"size:128"`
	Attempts int
	FailedAt time.Time `gorm:"index"`
}

func (deadLetterRecord) TableName() string { return "eventbus_dead_letters" }

// gormStore 基于 GORM 的持久化事件日志，支持 sqlite 与 mysql
//
// 带聚合的事件是事件溯源日志，永久保留；不属于任何聚合的事件只保留最近 limit 条以内，
// 每 pruneEvery 次写入清理一次。单个事件负载在 MySQL 上最大 16 MiB（mediumblob）。
type gormStore struct {
	db         *gorm.DB
	limit      int
	pruneEvery uint64
	appends    atomic.Uint64
}

// NewGormStore 使用数据库连接器创建 Store 并自动迁移表结构
func NewGormStore(ctx context.Context, conn connector.DatabaseConnector, limit int) (Store, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "eventbus: database connector is nil")
	}
	if limit <= 0 {
		limit = 10000
	}
	db := conn.GetClient()
	if err := db.WithContext(ctx).AutoMigrate(&eventRecord{}, &deadLetterRecord{}); err != nil {
		return nil, xerrors.Wrap(err, "eventbus: migrate event store")
	}
	return &gormStore{db: db, limit: limit, pruneEvery: uint64(max(limit/10, 1))}, nil
}

func toRecord(e DomainEvent) (eventRecord, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return eventRecord{}, err
	}
	return eventRecord{
		ID:            e.ID,
		Type:          e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		Data:          e.Data,
		Metadata:      meta,
		OccurredAt:    e.Metadata.Timestamp,
	}, nil
}

func (r eventRecord) event() (DomainEvent, error) {
	e := DomainEvent{
		ID:            r.ID,
		Type:          r.Type,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Version:       r.Version,
		Data:          r.Data,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return e, err
		}
	}
	return e, nil
}

func toEvents(records []eventRecord) ([]DomainEvent, error) {
	out := make([]DomainEvent, 0, len(records))
	for _, r := range records {
		e, err := r.event()
		if err != nil {
			return nil, xerrors.Wrapf(err, "eventbus: decode stored event %s", r.ID)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *gormStore) Append(ctx context.Context, event DomainEvent) error {
	rec, err := toRecord(event)
	if err != nil {
		return xerrors.Wrap(err, "eventbus: encode event")
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			return xerrors.Wrap(err, "eventbus: prune event log")
		}
	}
	return nil
}

// prune 删除最近 limit 条之前、不属于任何聚合的事件
func (s *gormStore) prune(ctx context.Context) error {
	var cutoff eventRecord
	err := s.db.WithContext(ctx).Select("seq").Order("seq DESC").Offset(s.limit).Take(&cutoff).Error
	if xerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("seq <= ? AND aggregate_type = ? AND aggregate_id = ?", cutoff.Seq, "", "").
		Delete(&eventRecord{}).Error
}

func (s *gormStore) History(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	var records []eventRecord
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ? AND version >= ?", aggregateType, aggregateID, fromVersion).
		Order("version ASC").Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toEvents(records)
}

func (s *gormStore) Recent(ctx context.Context, limit int) ([]DomainEvent, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	var records []eventRecord
	if err := s.db.WithContext(ctx).Order("seq DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	slices.Reverse(records)
	return toEvents(records)
}

func (s *gormStore) AddDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	data, err := json.Marshal(dl.Event)
	if err != nil {
		return dl, xerrors.Wrap(err, "eventbus: encode dead letter")
	}
	rec := deadLetterRecord{
		ID:       dl.ID,
		Event:    data,
		Error:    dl.Error,
		Handler:  dl.Handler,
		Attempts: dl.Attempts,
		FailedAt: dl.FailedAt,
	}
	return dl, s.db.WithContext(ctx).Create(&rec).Error
}

func (s *gormStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var records []deadLetterRecord
	if err := s.db.WithContext(ctx).Order("failed_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(records))
	for _, r := range records {
		dl := DeadLetter{
			ID:       r.ID,
			Error:    r.Error,
			Handler:  r.Handler,
			Attempts: r.Attempts,
			FailedAt: r.FailedAt,
		}
		if err := json.Unmarshal(r.Event, &dl.Event); err != nil {
			return nil, xerrors.Wrapf(err, "eventbus: decode dead letter %s", r.ID)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *gormStore) RemoveDeadLetter(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&deadLetterRecord{}, "id = ?", id).Error
}
