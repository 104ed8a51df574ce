package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/materialize"
	"github.com/tigawanna/moots-sub000/internal/state"
	"github.com/tigawanna/moots-sub000/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingRegistry   = errors.New("schema registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOrigin     = errors.New("device origin is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
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
	opEngineNew = "engine.new"
	opCommit    = "engine.commit"
	opIngest    = "engine.ingest"
	opReplay    = "engine.replay"
	opBootstrap = "engine.bootstrap"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier is told which tables a commit touched once the commit is durable.
type Notifier interface {
	Notify(ctx context.Context, tables []string)
}

// Config wires the engine's collaborators.
type Config struct {
	Database       *gorm.DB
	Registry       *events.Registry
	Notifier       Notifier
	IDProvider     events.IDProvider
	Clock          func() time.Time
	Origin         string
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Receipt reports the outcome of committing one event.
type Receipt struct {
	EventID   string
	Name      events.Name
	Position  int64
	Duplicate bool
	Tables    []string
}

// Engine is the single writer of a device: every event passes through it to reach the log and
// the materialized state.
type Engine struct {
	mu         sync.Mutex
	db         *gorm.DB
	registry   *events.Registry
	log        *events.Log
	notifier   Notifier
	idProvider events.IDProvider
	clock      func() time.Time
	origin     string
	logger     *zap.Logger
	tracer     trace.Tracer
}

func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opEngineNew, "missing_registry", errMissingRegistry)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, newServiceError(opEngineNew, "missing_origin", errMissingOrigin)
	}
	log, err := events.NewLog(cfg.Database)
	if err != nil {
		return nil, newServiceError(opEngineNew, "log_unavailable", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		db:         cfg.Database,
		registry:   cfg.Registry,
		log:        log,
		notifier:   cfg.Notifier,
		idProvider: cfg.IDProvider,
		clock:      clock,
		origin:     cfg.Origin,
		logger:     logger,
		tracer:     telemetry.Tracer(cfg.TracerProvider),
	}, nil
}

// Origin returns the device id stamped on locally committed events.
func (e *Engine) Origin() string {
	return e.origin
}

// Log exposes the event log for readers such as the sync adapter.
func (e *Engine) Log() *events.Log {
	return e.log
}

// Commit validates, appends and materializes one locally originated payload.
func (e *Engine) Commit(ctx context.Context, payload events.Payload) (Receipt, error) {
	return e.CommitEvent(ctx, events.Event{Payload: payload})
}

// CommitEvent is Commit for callers that supply their own event id. Re-committing an id that is
// already in the log is reported as a duplicate and changes nothing.
func (e *Engine) CommitEvent(ctx context.Context, event events.Event) (Receipt, error) {
	if strings.TrimSpace(event.ID) == "" {
		id, err := e.idProvider.NewID()
		if err != nil {
			e.logError(opCommit, "id_generation_failed", err)
			return Receipt{}, newServiceError(opCommit, "id_generation_failed", err)
		}
		event.ID = id
	}
	event.Origin = e.origin
	envelope, err := e.registry.Encode(event)
	if err != nil {
		e.logError(opCommit, "invalid_event", err, zap.String("event_id", event.ID))
		return Receipt{}, newServiceError(opCommit, "invalid_event", err)
	}

	ctx, span := e.tracer.Start(ctx, opCommit, trace.WithAttributes(
		attribute.String("event.id", envelope.ID),
		attribute.String("event.name", envelope.Name.String()),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, err := e.commitLocked(ctx, opCommit, event, envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return Receipt{}, err
	}
	span.SetAttributes(attribute.Int64("event.position", receipt.Position), attribute.Bool("event.duplicate", receipt.Duplicate))
	e.notify(ctx, receipt.Tables)
	return receipt, nil
}

// Ingest appends remotely originated envelopes in the order received. The whole batch is
// validated before anything is appended, so a malformed envelope rejects the batch.
//
// Each event then commits in its own transaction. If one fails, the events before it stay
// appended and materialized, their receipts are returned with the error, and the rest of
// the batch is not attempted. Retrying the whole batch is safe: event ids dedupe, so the
// already appended prefix comes back as duplicates.
func (e *Engine) Ingest(ctx context.Context, envelopes []events.Envelope) ([]Receipt, error) {
	ctx, span := e.tracer.Start(ctx, opIngest, trace.WithAttributes(attribute.Int("batch.size", len(envelopes))))
	defer span.End()

	decoded := make([]events.Event, 0, len(envelopes))
	for _, envelope := range envelopes {
		event, err := e.registry.Decode(envelope)
		if err != nil {
			e.logError(opIngest, "invalid_event", err, zap.String("event_id", envelope.ID))
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid event")
			return nil, newServiceError(opIngest, "invalid_event", err)
		}
		decoded = append(decoded, event)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	receipts := make([]Receipt, 0, len(envelopes))
	touched := make(map[string]struct{})
	for index, event := range decoded {
		envelope := envelopes[index]
		envelope.Position = 0
		receipt, err := e.commitLocked(ctx, opIngest, event, envelope)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ingest failed")
			e.notify(ctx, sortedTables(touched))
			return receipts, err
		}
		for _, table := range receipt.Tables {
			touched[table] = struct{}{}
		}
		receipts = append(receipts, receipt)
	}
	e.notify(ctx, sortedTables(touched))
	return receipts, nil
}

func (e *Engine) commitLocked(ctx context.Context, operation string, event events.Event, envelope events.Envelope) (Receipt, error) {
	mutations, err := materialize.Plan(event.Payload)
	if err != nil {
		e.logError(operation, "plan_failed", err, zap.String("event_id", envelope.ID))
		return Receipt{}, newServiceError(operation, "plan_failed", err)
	}

	receipt := Receipt{EventID: envelope.ID, Name: envelope.Name}
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, err := e.log.Append(tx, envelope, e.clock())
		if err != nil {
			e.logError(operation, "append_failed", err, zap.String("event_id", envelope.ID))
			return newServiceError(operation, "append_failed", err)
		}
		receipt.Position = appended.Position
		if appended.Duplicate {
			receipt.Duplicate = true
			return nil
		}
		effect, err := state.Apply(tx, mutations)
		if err != nil {
			e.logError(operation, "materialize_failed", err,
				zap.String("event_id", envelope.ID),
				zap.String("event_name", envelope.Name.String()))
			return newServiceError(operation, "materialize_failed", err)
		}
		receipt.Tables = effect.Tables
		return nil
	})
	if txErr != nil {
		return Receipt{}, txErr
	}
	if receipt.Duplicate {
		e.logger.Debug("duplicate event skipped",
			zap.String("event_id", envelope.ID),
			zap.Int64("position", receipt.Position))
	}
	return receipt, nil
}

// ReplayResult summarizes a rebuild of the materialized state.
type ReplayResult struct {
	Events int64
	Tables []string
}

// Replay discards the materialized state and folds the whole log into it again, in position order.
func (e *Engine) Replay(ctx context.Context) (ReplayResult, error) {
	ctx, span := e.tracer.Start(ctx, opReplay)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	var result ReplayResult
	touched := make(map[string]struct{})
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := state.Reset(tx); err != nil {
			e.logError(opReplay, "reset_failed", err)
			return newServiceError(opReplay, "reset_failed", err)
		}
		var after int64
		for {
			page, err := events.ReadPage(tx, after, events.DefaultPageSize, "")
			if err != nil {
				e.logError(opReplay, "read_failed", err, zap.Int64("after", after))
				return newServiceError(opReplay, "read_failed", err)
			}
			if len(page) == 0 {
				return nil
			}
			for _, envelope := range page {
				event, err := e.registry.Decode(envelope)
				if err != nil {
					e.logError(opReplay, "invalid_event", err, zap.Int64("position", envelope.Position))
					return newServiceError(opReplay, "invalid_event", err)
				}
				mutations, err := materialize.Plan(event.Payload)
				if err != nil {
					return newServiceError(opReplay, "plan_failed", err)
				}
				effect, err := state.Apply(tx, mutations)
				if err != nil {
					e.logError(opReplay, "materialize_failed", err, zap.Int64("position", envelope.Position))
					return newServiceError(opReplay, "materialize_failed", err)
				}
				for _, table := range effect.Tables {
					touched[table] = struct{}{}
				}
				result.Events++
				after = envelope.Position
			}
		}
	})
	if txErr != nil {
		span.RecordError(txErr)
		span.SetStatus(codes.Error, "replay failed")
		return ReplayResult{}, txErr
	}
	result.Tables = sortedTables(touched)
	span.SetAttributes(attribute.Int64("replay.events", result.Events))
	e.logger.Info("state replayed", zap.Int64("events", result.Events))
	e.notify(ctx, state.Tables())
	return result, nil
}

// Bootstrap commits seed events when the log is still empty. It reports whether seeding happened.
func (e *Engine) Bootstrap(ctx context.Context, seed []events.Event) (bool, error) {
	count, err := e.log.Count(ctx)
	if err != nil {
		e.logError(opBootstrap, "count_failed", err)
		return false, newServiceError(opBootstrap, "count_failed", err)
	}
	if count > 0 {
		return false, nil
	}
	for _, event := range seed {
		if _, err := e.CommitEvent(ctx, event); err != nil {
			return false, err
		}
	}
	e.logger.Info("event log seeded", zap.Int("events", len(seed)))
	return true, nil
}

func (e *Engine) notify(ctx context.Context, tables []string) {
	if e.notifier == nil || len(tables) == 0 {
		return
	}
	e.notifier.Notify(ctx, tables)
}

func sortedTables(touched map[string]struct{}) []string {
	tables := make([]string, 0, len(touched))
	for table := range touched {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("engine error", attrs...)
}
