package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openLogDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustAppend(testContext *testing.T, log *Log, db *gorm.DB, id, origin string) AppendResult {
	testContext.Helper()
	envelope := Envelope{ID: id, Name: NameListDeleted, Origin: origin, Payload: json.RawMessage(`{"id":"l1","deletedAt":"2026-02-01T08:00:00Z"}`)}
	result, err := log.Append(db, envelope, recordedAt)
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	return result
}

func TestLogAppendAssignsIncreasingPositionsAndReportsDuplicates(testContext *testing.T) {
	db := openLogDatabase(testContext)
	log, err := NewLog(db)
	if err != nil {
		testContext.Fatalf("failed to build log: %v", err)
	}

	first := mustAppend(testContext, log, db, "e1", "device-a")
	second := mustAppend(testContext, log, db, "e2", "device-b")
	repeat := mustAppend(testContext, log, db, "e1", "device-a")

	if first.Duplicate || second.Duplicate {
		testContext.Fatalf("expected fresh appends, got %+v %+v", first, second)
	}
	if second.Position <= first.Position {
		testContext.Fatalf("expected increasing positions, got %d then %d", first.Position, second.Position)
	}
	if !repeat.Duplicate || repeat.Position != first.Position {
		testContext.Fatalf("expected duplicate at position %d, got %+v", first.Position, repeat)
	}

	count, err := log.Count(context.Background())
	if err != nil || count != 2 {
		testContext.Fatalf("expected 2 events, got %d (%v)", count, err)
	}
	last, err := log.LastPosition(context.Background())
	if err != nil || last != second.Position {
		testContext.Fatalf("expected last position %d, got %d (%v)", second.Position, last, err)
	}
}

func TestLogSinceFiltersByPositionAndOrigin(testContext *testing.T) {
	db := openLogDatabase(testContext)
	log, err := NewLog(db)
	if err != nil {
		testContext.Fatalf("failed to build log: %v", err)
	}
	first := mustAppend(testContext, log, db, "e1", "device-a")
	mustAppend(testContext, log, db, "e2", "device-b")
	mustAppend(testContext, log, db, "e3", "device-a")

	all, err := log.Since(context.Background(), 0, 0, "")
	if err != nil {
		testContext.Fatalf("since failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e1" || all[2].ID != "e3" {
		testContext.Fatalf("unexpected log order: %+v", all)
	}

	local, err := log.Since(context.Background(), first.Position, 10, "device-a")
	if err != nil {
		testContext.Fatalf("since failed: %v", err)
	}
	if len(local) != 1 || local[0].ID != "e3" || local[0].Position == 0 {
		testContext.Fatalf("expected only e3 with a position, got %+v", local)
	}

	page, err := log.Since(context.Background(), 0, 1, "")
	if err != nil || len(page) != 1 {
		testContext.Fatalf("expected a page of one, got %d (%v)", len(page), err)
	}
}

func TestNewLogRequiresDatabase(testContext *testing.T) {
	if _, err := NewLog(nil); err == nil {
		testContext.Fatalf("expected error for nil database")
	}
}
