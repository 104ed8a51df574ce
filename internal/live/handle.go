package live

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handle holds the latest result of a subscribed query and signals when it changes.
type Handle[T any] struct {
	registry *Registry
	query    Query[T]
	id       int64

	// evaluation serializes refreshes so results land in commit order.
	evaluation sync.Mutex

	mu      sync.RWMutex
	current T
	err     error
	version uint64
	closed  bool
	changes chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe evaluates query once and keeps it current until the handle is closed or ctx ends.
func Subscribe[T any](ctx context.Context, registry *Registry, query Query[T]) (*Handle[T], error) {
	if registry == nil {
		return nil, errMissingRegistry
	}
	if query == nil {
		return nil, errMissingQuery
	}
	tables := dedupe(query.Tables())
	if len(tables) == 0 {
		return nil, errNoTables
	}

	handle := &Handle[T]{
		registry: registry,
		query:    query,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	// Register before the first evaluation so a commit landing in between queues a refresh
	// behind it instead of being missed.
	handle.evaluation.Lock()
	handle.id = registry.register(tables, handle)
	initial, err := query.Evaluate(ctx)
	if err != nil {
		registry.unregister(handle.id)
		handle.mu.Lock()
		handle.closed = true
		handle.mu.Unlock()
		handle.evaluation.Unlock()
		return nil, err
	}
	handle.mu.Lock()
	handle.current = initial
	handle.version = 1
	handle.mu.Unlock()
	handle.evaluation.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			handle.Close()
		case <-handle.done:
		}
	}()
	return handle, nil
}

// Current returns the latest result and the error of the latest evaluation, if any.
func (h *Handle[T]) Current() (T, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.err
}

// Version increases by one with every delivered evaluation.
func (h *Handle[T]) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Changes receives a signal after each delivered evaluation. Signals coalesce while unread.
func (h *Handle[T]) Changes() <-chan struct{} {
	return h.changes
}

// Done is closed once the handle stops receiving evaluations.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Close unregisters the subscription and drops the retained result.
func (h *Handle[T]) Close() {
	h.closeOnce.Do(func() {
		h.registry.unregister(h.id)
		h.mu.Lock()
		h.closed = true
		var zero T
		h.current = zero
		h.err = nil
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle[T]) refresh(ctx context.Context) {
	h.evaluation.Lock()
	defer h.evaluation.Unlock()
	if h.isClosed() {
		return
	}

	result, err := h.query.Evaluate(ctx)

	h.mu.Lock()
	if h.closed {
		// closed while evaluating; the result has nowhere to go
		h.mu.Unlock()
		return
	}
	if err != nil {
		h.err = err
		h.registry.logger.Warn("live query evaluation failed", zap.Int64("subscription_id", h.id), zap.Error(err))
	} else {
		h.current = result
		h.err = nil
	}
	h.version++
	h.mu.Unlock()

	select {
	case h.changes <- struct{}{}:
	default:
	}
}

func (h *Handle[T]) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func dedupe(tables []string) []string {
	seen := make(map[string]struct{}, len(tables))
	unique := make([]string, 0, len(tables))
	for _, table := range tables {
		if table == "" {
			continue
		}
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		unique = append(unique, table)
	}
	return unique
}
