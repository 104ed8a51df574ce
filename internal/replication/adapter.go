package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tigawanna/moots-sub000/internal/engine"
	"github.com/tigawanna/moots-sub000/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchSize = 200

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingRemote     = errors.New("remote is required")
	errMissingRemoteName = errors.New("remote name is required")
	errInvalidInterval   = errors.New("sync interval must be positive")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opAdapterNew = "replication.adapter.new"
	opPush       = "replication.push"
	opPull       = "replication.pull"
	opRun        = "replication.run"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// PushAck is the remote's answer to a push.
type PushAck struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// PullBatch is one page of the remote log. Next is the remote position of the last event in
// the batch, or the requested position when the batch is empty.
type PullBatch struct {
	Events  []events.Envelope `json:"events"`
	Next    int64             `json:"next"`
	HasMore bool              `json:"hasMore"`
}

// Remote is the far side of replication.
type Remote interface {
	Push(ctx context.Context, credential string, envelopes []events.Envelope) (PushAck, error)
	Pull(ctx context.Context, credential string, after int64, limit int) (PullBatch, error)
}

// Ledger is the local side: the device's event log and the ingest path into it.
type Ledger interface {
	Origin() string
	Log() *events.Log
	Ingest(ctx context.Context, envelopes []events.Envelope) ([]engine.Receipt, error)
}

type AdapterConfig struct {
	Database   *gorm.DB
	Ledger     Ledger
	Remote     Remote
	RemoteName string
	Credential string
	BatchSize  int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Adapter moves events between the local log and a remote. Local events go out in log order;
// remote events come in through the ingest path in the order received.
type Adapter struct {
	db         *gorm.DB
	ledger     Ledger
	remote     Remote
	remoteName string
	credential string
	batchSize  int
	clock      func() time.Time
	logger     *zap.Logger
}

func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAdapterNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opAdapterNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opAdapterNew, "missing_remote", errMissingRemote)
	}
	remoteName := strings.TrimSpace(cfg.RemoteName)
	if remoteName == "" {
		return nil, newServiceError(opAdapterNew, "missing_remote_name", errMissingRemoteName)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Adapter{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		remote:     cfg.Remote,
		remoteName: remoteName,
		credential: cfg.Credential,
		batchSize:  batchSize,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SyncResult counts what one round moved.
type SyncResult struct {
	Pushed     int
	Pulled     int
	Duplicates int
}

// PushPending sends locally originated events the remote has not acknowledged yet. The push
// cursor only advances past batches the remote accepted.
func (a *Adapter) PushPending(ctx context.Context) (int, error) {
	after, err := loadCursor(ctx, a.db, a.remoteName, DirectionPush)
	if err != nil {
		a.logError(opPush, "cursor_load_failed", err)
		return 0, newServiceError(opPush, "cursor_load_failed", err)
	}

	pushed := 0
	for {
		pending, err := a.ledger.Log().Since(ctx, after, a.batchSize, a.ledger.Origin())
		if err != nil {
			a.logError(opPush, "log_read_failed", err, zap.Int64("after", after))
			return pushed, newServiceError(opPush, "log_read_failed", err)
		}
		if len(pending) == 0 {
			return pushed, nil
		}
		ack, err := a.remote.Push(ctx, a.credential, pending)
		if err != nil {
			a.logError(opPush, "remote_rejected", err, zap.Int64("after", after), zap.Int("batch", len(pending)))
			return pushed, newServiceError(opPush, "remote_rejected", err)
		}
		after = pending[len(pending)-1].Position
		if err := storeCursor(ctx, a.db, a.remoteName, DirectionPush, after, a.clock().UTC()); err != nil {
			a.logError(opPush, "cursor_store_failed", err, zap.Int64("position", after))
			return pushed, newServiceError(opPush, "cursor_store_failed", err)
		}
		pushed += len(pending)
		a.logger.Debug("events pushed",
			zap.String("remote", a.remoteName),
			zap.Int("accepted", ack.Accepted),
			zap.Int("duplicates", ack.Duplicates),
			zap.Int64("position", after))
		if len(pending) < a.batchSize {
			return pushed, nil
		}
	}
}

// PullRemote ingests remote events after the pull cursor. Events this device already holds
// come back as duplicates and change nothing.
func (a *Adapter) PullRemote(ctx context.Context) (pulled int, duplicates int, err error) {
	after, err := loadCursor(ctx, a.db, a.remoteName, DirectionPull)
	if err != nil {
		a.logError(opPull, "cursor_load_failed", err)
		return 0, 0, newServiceError(opPull, "cursor_load_failed", err)
	}

	for {
		batch, err := a.remote.Pull(ctx, a.credential, after, a.batchSize)
		if err != nil {
			a.logError(opPull, "remote_failed", err, zap.Int64("after", after))
			return pulled, duplicates, newServiceError(opPull, "remote_failed", err)
		}
		if len(batch.Events) > 0 {
			receipts, err := a.ledger.Ingest(ctx, batch.Events)
			if err != nil {
				a.logError(opPull, "ingest_failed", err, zap.Int64("after", after))
				return pulled, duplicates, newServiceError(opPull, "ingest_failed", err)
			}
			for _, receipt := range receipts {
				if receipt.Duplicate {
					duplicates++
				}
			}
			pulled += len(receipts)
		}
		if batch.Next > after {
			after = batch.Next
			if err := storeCursor(ctx, a.db, a.remoteName, DirectionPull, after, a.clock().UTC()); err != nil {
				a.logError(opPull, "cursor_store_failed", err, zap.Int64("position", after))
				return pulled, duplicates, newServiceError(opPull, "cursor_store_failed", err)
			}
		}
		if !batch.HasMore || len(batch.Events) == 0 {
			return pulled, duplicates, nil
		}
	}
}

// SyncOnce pushes first, then pulls.
func (a *Adapter) SyncOnce(ctx context.Context) (SyncResult, error) {
	pushed, err := a.PushPending(ctx)
	if err != nil {
		return SyncResult{Pushed: pushed}, err
	}
	pulled, duplicates, err := a.PullRemote(ctx)
	result := SyncResult{Pushed: pushed, Pulled: pulled, Duplicates: duplicates}
	if err != nil {
		return result, err
	}
	a.logger.Info("sync round complete",
		zap.String("remote", a.remoteName),
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Int("duplicates", result.Duplicates))
	return result, nil
}

// Run syncs every interval until ctx is cancelled. A failed round is logged and retried on the
// next tick.
func (a *Adapter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return newServiceError(opRun, "invalid_interval", errInvalidInterval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("sync round failed", zap.String("remote", a.remoteName), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Adapter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("remote", a.remoteName),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("replication error", attrs...)
}
