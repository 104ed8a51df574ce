package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/replication"
	"github.com/tigawanna/moots-sub000/internal/state"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps a commit's append and materialization on the same SQLite handle.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Models lists every persisted model in migration order.
func Models() []any {
	models := []any{&events.Record{}}
	models = append(models, state.Models()...)
	return append(models, &replication.Cursor{}, &migrationRecord{})
}
