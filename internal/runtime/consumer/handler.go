package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

// Handler processes one decoded message.
type Handler interface {
	Consume(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Consume(ctx context.Context, msg Message) error { return f(ctx, msg) }

// BatchHandler processes a decoded batch as one unit.
type BatchHandler interface {
	ConsumeBatch(ctx context.Context, msgs []Message) error
}

type BatchHandlerFunc func(ctx context.Context, msgs []Message) error

func (f BatchHandlerFunc) ConsumeBatch(ctx context.Context, msgs []Message) error { return f(ctx, msgs) }

// Registry maps handler names to implementations. Build it at startup; listeners
// refer to handlers by name.
type Registry struct {
	mu      sync.RWMutex
	single  map[string]Handler
	batches map[string]BatchHandler
}

func NewRegistry() *Registry {
	return &Registry{single: make(map[string]Handler), batches: make(map[string]BatchHandler)}
}

// Register adds a per-message handler. Names are shared with batch handlers.
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		return err
	}
	r.single[name] = h
	return nil
}

// RegisterBatch adds a batch handler.
func (r *Registry) RegisterBatch(name string, h BatchHandler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(name); err != nil {
		return err
	}
	r.batches[name] = h
	return nil
}

// checkName must be called with the write lock held.
func (r *Registry) checkName(name string) error {
	if name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	_, single := r.single[name]
	_, batch := r.batches[name]
	if single || batch {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandler, name)
	}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.single[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownHandler, name)
	}
	return h, nil
}

func (r *Registry) LookupBatch(name string) (BatchHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.batches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownHandler, name)
	}
	return h, nil
}

// Names lists every registered handler, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.single)+len(r.batches))
	for name := range r.single {
		names = append(names, name)
	}
	for name := range r.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
