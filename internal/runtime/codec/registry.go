package codec

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

// MemoryRegistry keeps schemas in process. Ids are assigned from 1 in
// registration order; re-registering a name adds a new latest version.
type MemoryRegistry struct {
	mu     sync.RWMutex
	nextID int
	latest map[string]Schema
	byID   map[int]Schema
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nextID: 1,
		latest: make(map[string]Schema),
		byID:   make(map[int]Schema),
	}
}

// Register stores definition under ref. Registering an identical definition
// again returns the existing schema.
func (m *MemoryRegistry) Register(ref SchemaRef, definition string) Schema {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.latest[ref.FullName()]; ok && current.Definition == definition {
		return current
	}
	schema := Schema{ID: m.nextID, Ref: ref, Definition: definition}
	m.nextID++
	m.latest[ref.FullName()] = schema
	m.byID[schema.ID] = schema
	return schema
}

func (m *MemoryRegistry) Resolve(_ context.Context, ref SchemaRef) (Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, ok := m.latest[ref.FullName()]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownSchema, ref.FullName())
	}
	return schema, nil
}

func (m *MemoryRegistry) SchemaByID(_ context.Context, id int) (Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, ok := m.byID[id]
	if !ok {
		return Schema{}, fmt.Errorf("%w: id %d", errspkg.ErrUnknownSchema, id)
	}
	return schema, nil
}

// CachingRegistry memoises successful lookups of the wrapped registry. Entries
// are never invalidated; a restart is the only way to pick up a new latest
// version of a name.
type CachingRegistry struct {
	inner Registry

	mu    sync.RWMutex
	byRef map[string]Schema
	byID  map[int]Schema
}

func NewCachingRegistry(inner Registry) *CachingRegistry {
	if inner == nil {
		panic("outboxflow: caching registry requires an inner registry")
	}
	return &CachingRegistry{
		inner: inner,
		byRef: make(map[string]Schema),
		byID:  make(map[int]Schema),
	}
}

func (c *CachingRegistry) Resolve(ctx context.Context, ref SchemaRef) (Schema, error) {
	key := ref.FullName()
	c.mu.RLock()
	schema, ok := c.byRef[key]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := c.inner.Resolve(ctx, ref)
	if err != nil {
		return Schema{}, err
	}
	c.store(key, schema)
	return schema, nil
}

func (c *CachingRegistry) SchemaByID(ctx context.Context, id int) (Schema, error) {
	c.mu.RLock()
	schema, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := c.inner.SchemaByID(ctx, id)
	if err != nil {
		return Schema{}, err
	}
	c.store("", schema)
	return schema, nil
}

func (c *CachingRegistry) store(key string, schema Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		c.byRef[key] = schema
	}
	c.byID[schema.ID] = schema
}
