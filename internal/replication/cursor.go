package replication

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Direction distinguishes the two cursors kept per remote.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Cursor records how far one direction of replication has progressed against a remote.
// Push cursors hold local log positions; pull cursors hold remote log positions.
type Cursor struct {
	Remote    string    `gorm:"column:remote;primaryKey;size:190"`
	Direction Direction `gorm:"column:direction;primaryKey;size:16"`
	Position  int64     `gorm:"column:position;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "sync_cursors"
}

func loadCursor(ctx context.Context, db *gorm.DB, remote string, direction Direction) (int64, error) {
	var cursor Cursor
	err := db.WithContext(ctx).
		Where("remote = ? AND direction = ?", remote, direction).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.Position, nil
}

func storeCursor(ctx context.Context, db *gorm.DB, remote string, direction Direction, position int64, at time.Time) error {
	cursor := Cursor{Remote: remote, Direction: direction, Position: position, UpdatedAt: at}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote"}, {Name: "direction"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(&cursor).Error
}
