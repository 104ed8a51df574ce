// Package live keeps query results current: subscriptions declare the tables they read and are
// re-evaluated after every commit that touches one of them.
package live

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingRegistry = errors.New("live: registry is required")
	errMissingQuery    = errors.New("live: query is required")
	errNoTables        = errors.New("live: query must declare at least one table")
)

// Query is a re-evaluable read over a declared set of tables.
type Query[T any] interface {
	Tables() []string
	Evaluate(ctx context.Context) (T, error)
}

// QueryFunc adapts a function and its table set to Query.
type QueryFunc[T any] struct {
	On  []string
	Run func(ctx context.Context) (T, error)
}

func (q QueryFunc[T]) Tables() []string {
	return q.On
}

func (q QueryFunc[T]) Evaluate(ctx context.Context) (T, error) {
	return q.Run(ctx)
}

type subscription interface {
	refresh(ctx context.Context)
}

// Registry maps table names to the subscriptions reading them.
type Registry struct {
	mu      sync.RWMutex
	byTable map[string]map[int64]subscription
	tables  map[int64][]string
	nextID  int64
	logger  *zap.Logger
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byTable: make(map[string]map[int64]subscription),
		tables:  make(map[int64][]string),
		logger:  logger,
	}
}

// Notify re-evaluates every subscription reading any of tables, once each, in subscription order.
func (r *Registry) Notify(ctx context.Context, tables []string) {
	r.mu.RLock()
	affected := make(map[int64]subscription)
	for _, table := range tables {
		for id, sub := range r.byTable[table] {
			affected[id] = sub
		}
	}
	r.mu.RUnlock()

	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		affected[id].refresh(ctx)
	}
}

// Len returns the number of open subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables)
}

func (r *Registry) register(tables []string, sub subscription) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	for _, table := range tables {
		if _, ok := r.byTable[table]; !ok {
			r.byTable[table] = make(map[int64]subscription)
		}
		r.byTable[table][id] = sub
	}
	r.tables[id] = tables
	return id
}

func (r *Registry) unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range r.tables[id] {
		subscribers := r.byTable[table]
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(r.byTable, table)
		}
	}
	delete(r.tables, id)
}
