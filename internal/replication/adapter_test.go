package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tigawanna/moots-sub000/internal/engine"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

type node struct {
	db     *gorm.DB
	engine *engine.Engine
}

func openNode(testContext *testing.T, name, origin string) node {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", testContext.Name(), name)
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
	models := append([]any{&events.Record{}, &Cursor{}}, state.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	registry, err := events.NewRegistry()
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	writer, err := engine.New(engine.Config{
		Database:   db,
		Registry:   registry,
		IDProvider: events.NewUUIDProvider(),
		Origin:     origin,
		Clock:      func() time.Time { return baseTime },
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	return node{db: db, engine: writer}
}

func (n node) commit(testContext *testing.T, payloads ...events.Payload) {
	testContext.Helper()
	for _, payload := range payloads {
		if _, err := n.engine.Commit(context.Background(), payload); err != nil {
			testContext.Fatalf("commit failed: %v", err)
		}
	}
}

func (n node) countLive(testContext *testing.T, model any) int64 {
	testContext.Helper()
	var count int64
	if err := n.db.Model(model).Where("deleted_at IS NULL").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return count
}

// hubRemote plays the server side against another node's engine.
type hubRemote struct {
	mu          sync.Mutex
	hub         node
	failPush    error
	failPull    error
	pushBatches int
	credentials []string
}

func (r *hubRemote) Push(ctx context.Context, credential string, envelopes []events.Envelope) (PushAck, error) {
	r.mu.Lock()
	r.credentials = append(r.credentials, credential)
	failure := r.failPush
	r.mu.Unlock()
	if failure != nil {
		return PushAck{}, failure
	}
	receipts, err := r.hub.engine.Ingest(ctx, envelopes)
	if err != nil {
		return PushAck{}, err
	}
	r.mu.Lock()
	r.pushBatches++
	r.mu.Unlock()
	ack := PushAck{}
	for _, receipt := range receipts {
		if receipt.Duplicate {
			ack.Duplicates++
			continue
		}
		ack.Accepted++
	}
	return ack, nil
}

func (r *hubRemote) Pull(ctx context.Context, _ string, after int64, limit int) (PullBatch, error) {
	if r.failPull != nil {
		return PullBatch{}, r.failPull
	}
	page, err := r.hub.engine.Log().Since(ctx, after, limit, "")
	if err != nil {
		return PullBatch{}, err
	}
	next := after
	if len(page) > 0 {
		next = page[len(page)-1].Position
	}
	return PullBatch{Events: page, Next: next, HasMore: len(page) == limit}, nil
}

func mustAdapter(testContext *testing.T, local node, remote Remote, batchSize int) *Adapter {
	testContext.Helper()
	adapter, err := NewAdapter(AdapterConfig{
		Database:   local.db,
		Ledger:     local.engine,
		Remote:     remote,
		RemoteName: "hub",
		Credential: "device-token",
		BatchSize:  batchSize,
		Clock:      func() time.Time { return baseTime },
	})
	if err != nil {
		testContext.Fatalf("failed to build adapter: %v", err)
	}
	return adapter
}

func cursorPosition(testContext *testing.T, local node, direction Direction) int64 {
	testContext.Helper()
	position, err := loadCursor(context.Background(), local.db, "hub", direction)
	if err != nil {
		testContext.Fatalf("failed to load cursor: %v", err)
	}
	return position
}

func socialPayloads() []events.Payload {
	return []events.Payload{
		events.UserRegistered{ID: "u1", Username: "ana", Email: "ana@example.com", RegisteredAt: baseTime},
		events.UserRegistered{ID: "u2", Username: "ben", Email: "ben@example.com", RegisteredAt: baseTime},
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Heist films", IsPublic: true, CreatedAt: baseTime},
		events.ListLiked{ID: "k1", UserID: "u2", ListID: "l1", CreatedAt: baseTime.Add(time.Minute)},
	}
}

func TestSyncOnceConvergesTwoDevices(testContext *testing.T) {
	hub := openNode(testContext, "hub", "hub")
	phone := openNode(testContext, "phone", "device-phone")
	laptop := openNode(testContext, "laptop", "device-laptop")
	remote := &hubRemote{hub: hub}

	phone.commit(testContext, socialPayloads()...)
	phoneSync := mustAdapter(testContext, phone, remote, 0)
	result, err := phoneSync.SyncOnce(context.Background())
	if err != nil {
		testContext.Fatalf("phone sync failed: %v", err)
	}
	if result.Pushed != 4 || result.Pulled != 4 || result.Duplicates != 4 {
		testContext.Fatalf("expected own events to come back as duplicates, got %+v", result)
	}
	if cursorPosition(testContext, phone, DirectionPush) != 4 || cursorPosition(testContext, phone, DirectionPull) != 4 {
		testContext.Fatalf("expected both cursors at 4")
	}

	laptopSync := mustAdapter(testContext, laptop, remote, 0)
	result, err = laptopSync.SyncOnce(context.Background())
	if err != nil {
		testContext.Fatalf("laptop sync failed: %v", err)
	}
	if result.Pushed != 0 || result.Pulled != 4 || result.Duplicates != 0 {
		testContext.Fatalf("unexpected laptop result: %+v", result)
	}

	var list state.MovieList
	if err := laptop.db.Where("id = ?", "l1").Take(&list).Error; err != nil {
		testContext.Fatalf("expected list on laptop: %v", err)
	}
	if list.LikesCount != 1 {
		testContext.Fatalf("expected likes_count 1 on laptop, got %d", list.LikesCount)
	}

	laptop.commit(testContext, events.ListUnliked{ID: "k1", UnlikedAt: baseTime.Add(2 * time.Minute)})
	if _, err := laptopSync.SyncOnce(context.Background()); err != nil {
		testContext.Fatalf("laptop sync failed: %v", err)
	}
	if _, err := phoneSync.SyncOnce(context.Background()); err != nil {
		testContext.Fatalf("phone sync failed: %v", err)
	}
	if likes := phone.countLive(testContext, &state.Like{}); likes != 0 {
		testContext.Fatalf("expected unlike to reach the phone, got %d live likes", likes)
	}
	for _, credential := range remote.credentials {
		if credential != "device-token" {
			testContext.Fatalf("expected the configured credential, got %q", credential)
		}
	}
}

func TestPushFailureKeepsCursor(testContext *testing.T) {
	hub := openNode(testContext, "hub", "hub")
	phone := openNode(testContext, "phone", "device-phone")
	remote := &hubRemote{hub: hub, failPush: errors.New("offline")}
	phone.commit(testContext, socialPayloads()...)
	adapter := mustAdapter(testContext, phone, remote, 0)

	if _, err := adapter.SyncOnce(context.Background()); err == nil {
		testContext.Fatalf("expected push failure")
	}
	var serviceErr *ServiceError
	if _, err := adapter.PushPending(context.Background()); !errors.As(err, &serviceErr) || serviceErr.Code() != "replication.push.remote_rejected" {
		testContext.Fatalf("expected remote_rejected service error, got %v", err)
	}
	if cursorPosition(testContext, phone, DirectionPush) != 0 {
		testContext.Fatalf("expected push cursor to stay at zero")
	}

	remote.failPush = nil
	pushed, err := adapter.PushPending(context.Background())
	if err != nil || pushed != 4 {
		testContext.Fatalf("expected retry to push 4 events, got %d (%v)", pushed, err)
	}
	if count, _ := hub.engine.Log().Count(context.Background()); count != 4 {
		testContext.Fatalf("expected hub to hold 4 events, got %d", count)
	}
}

func TestPushAndPullPageThroughBatches(testContext *testing.T) {
	hub := openNode(testContext, "hub", "hub")
	phone := openNode(testContext, "phone", "device-phone")
	tablet := openNode(testContext, "tablet", "device-tablet")
	remote := &hubRemote{hub: hub}

	phone.commit(testContext, socialPayloads()...)
	pushed, err := mustAdapter(testContext, phone, remote, 3).PushPending(context.Background())
	if err != nil || pushed != 4 {
		testContext.Fatalf("expected 4 pushed, got %d (%v)", pushed, err)
	}
	if remote.pushBatches != 2 {
		testContext.Fatalf("expected 2 push batches, got %d", remote.pushBatches)
	}

	pulled, duplicates, err := mustAdapter(testContext, tablet, remote, 3).PullRemote(context.Background())
	if err != nil || pulled != 4 || duplicates != 0 {
		testContext.Fatalf("expected 4 pulled, got %d/%d (%v)", pulled, duplicates, err)
	}
	if cursorPosition(testContext, tablet, DirectionPull) != 4 {
		testContext.Fatalf("expected pull cursor at 4")
	}
	if users := tablet.countLive(testContext, &state.User{}); users != 2 {
		testContext.Fatalf("expected 2 users on tablet, got %d", users)
	}
}

func TestPulledEventsAreNotPushedBack(testContext *testing.T) {
	hub := openNode(testContext, "hub", "hub")
	phone := openNode(testContext, "phone", "device-phone")
	laptop := openNode(testContext, "laptop", "device-laptop")
	remote := &hubRemote{hub: hub}

	laptop.commit(testContext, socialPayloads()[:1]...)
	if _, err := mustAdapter(testContext, laptop, remote, 0).SyncOnce(context.Background()); err != nil {
		testContext.Fatalf("laptop sync failed: %v", err)
	}
	phoneSync := mustAdapter(testContext, phone, remote, 0)
	if _, err := phoneSync.SyncOnce(context.Background()); err != nil {
		testContext.Fatalf("phone sync failed: %v", err)
	}
	pushed, err := phoneSync.PushPending(context.Background())
	if err != nil || pushed != 0 {
		testContext.Fatalf("expected pulled events not to be pushed back, got %d (%v)", pushed, err)
	}
}

func TestRunStopsWhenContextEnds(testContext *testing.T) {
	hub := openNode(testContext, "hub", "hub")
	phone := openNode(testContext, "phone", "device-phone")
	adapter := mustAdapter(testContext, phone, &hubRemote{hub: hub, failPull: errors.New("flaky")}, 0)

	if err := adapter.Run(context.Background(), 0); err == nil {
		testContext.Fatalf("expected invalid interval error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			testContext.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		testContext.Fatalf("expected Run to return after cancellation")
	}
}

func TestNewAdapterValidatesConfig(testContext *testing.T) {
	phone := openNode(testContext, "phone", "device-phone")
	remote := &hubRemote{hub: phone}
	cases := []AdapterConfig{
		{Ledger: phone.engine, Remote: remote, RemoteName: "hub"},
		{Database: phone.db, Remote: remote, RemoteName: "hub"},
		{Database: phone.db, Ledger: phone.engine, RemoteName: "hub"},
		{Database: phone.db, Ledger: phone.engine, Remote: remote, RemoteName: " "},
	}
	for index, cfg := range cases {
		if _, err := NewAdapter(cfg); err == nil {
			testContext.Fatalf("case %d: expected validation error", index)
		}
	}
}
