package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultPageSize bounds reads from the log when the caller passes no limit.
	DefaultPageSize = 500
	maxPageSize     = 5000
)

var errMissingDatabase = errors.New("events: database handle is required")

// Record is the persisted row of the append-only event log.
type Record struct {
	Position    int64     `gorm:"column:position;primaryKey;autoIncrement"`
	EventID     string    `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_event_log_event_id"`
	Name        string    `gorm:"column:name;size:120;not null"`
	Origin      string    `gorm:"column:origin;size:190;not null;default:'';index:idx_event_log_origin_position,priority:1"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	RecordedAt  time.Time `gorm:"column:recorded_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "event_log"
}

func (record Record) envelope() Envelope {
	return Envelope{
		ID:       record.EventID,
		Name:     Name(record.Name),
		Origin:   record.Origin,
		Position: record.Position,
		Payload:  json.RawMessage(record.PayloadJSON),
	}
}

// AppendResult reports where an event landed in the log.
type AppendResult struct {
	Position  int64
	Duplicate bool
}

// Log is the ordered, append-only event sequence. Positions increase monotonically.
type Log struct {
	db *gorm.DB
}

// NewLog binds the log to a database handle.
func NewLog(db *gorm.DB) (*Log, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Log{db: db}, nil
}

// Append stores an already validated envelope inside the caller's transaction. An event id
// that is already present is reported as a duplicate with its original position.
func (l *Log) Append(tx *gorm.DB, envelope Envelope, recordedAt time.Time) (AppendResult, error) {
	record := Record{
		EventID:     envelope.ID,
		Name:        envelope.Name.String(),
		Origin:      envelope.Origin,
		PayloadJSON: string(envelope.Payload),
		RecordedAt:  recordedAt.UTC(),
	}
	created := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&record)
	if created.Error != nil {
		return AppendResult{}, created.Error
	}
	if created.RowsAffected > 0 {
		return AppendResult{Position: record.Position}, nil
	}

	var existing Record
	if err := tx.Select("position").Where("event_id = ?", envelope.ID).Take(&existing).Error; err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Position: existing.Position, Duplicate: true}, nil
}

// Since returns envelopes after the given position in log order. An empty origin matches all.
func (l *Log) Since(ctx context.Context, afterPosition int64, limit int, origin string) ([]Envelope, error) {
	return ReadPage(l.db.WithContext(ctx), afterPosition, limit, origin)
}

// ReadPage reads one page of the log through the provided handle, which may be a transaction.
func ReadPage(db *gorm.DB, afterPosition int64, limit int, origin string) ([]Envelope, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	query := db.Model(&Record{}).Where("position > ?", afterPosition)
	if origin != "" {
		query = query.Where("origin = ?", origin)
	}
	var records []Record
	if err := query.Order("position ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	envelopes := make([]Envelope, 0, len(records))
	for _, record := range records {
		envelopes = append(envelopes, record.envelope())
	}
	return envelopes, nil
}

// LastPosition returns the highest assigned position, or zero for an empty log.
func (l *Log) LastPosition(ctx context.Context) (int64, error) {
	var position int64
	err := l.db.WithContext(ctx).Model(&Record{}).Select("COALESCE(MAX(position), 0)").Scan(&position).Error
	return position, err
}

// Count returns the number of stored events.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Record{}).Count(&count).Error
	return count, err
}
