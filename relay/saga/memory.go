package saga

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node setups.
// Instances are cloned on the way in and out, so callers never share
// mutable state with the store.
type MemoryStore[TData any] struct {
	mu        sync.RWMutex
	instances map[string]*Instance[TData]
}

var _ Store[struct{}] = (*MemoryStore[struct{}])(nil)

// NewMemoryStore creates an empty in-memory saga store.
func NewMemoryStore[TData any]() *MemoryStore[TData] {
	return &MemoryStore[TData]{
		instances: make(map[string]*Instance[TData]),
	}
}

// Find implements Store.
func (store *MemoryStore[TData]) Find(ctx context.Context, sagaID string) (*Instance[TData], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return nil, ErrSagaIDRequired
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	instance, ok := store.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}

	return instance.Clone(), nil
}

// Create implements Store.
func (store *MemoryStore[TData]) Create(ctx context.Context, instance *Instance[TData]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if instance == nil || strings.TrimSpace(instance.SagaID) == "" {
		return ErrSagaIDRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.instances[instance.SagaID]; exists {
		return ErrAlreadyExists
	}

	stored := instance.Clone()
	stored.Version = 1
	instance.Version = 1

	store.instances[instance.SagaID] = stored

	return nil
}

// Update implements Store.
func (store *MemoryStore[TData]) Update(ctx context.Context, instance *Instance[TData], expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if instance == nil || strings.TrimSpace(instance.SagaID) == "" {
		return ErrSagaIDRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	current, ok := store.instances[instance.SagaID]
	if !ok {
		return ErrNotFound
	}

	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	stored := instance.Clone()
	stored.Version = expectedVersion + 1
	stored.LastUpdatedAt = time.Now().UTC()
	instance.Version = stored.Version
	instance.LastUpdatedAt = stored.LastUpdatedAt

	store.instances[instance.SagaID] = stored

	return nil
}

// FindTimedOut implements Store.
func (store *MemoryStore[TData]) FindTimedOut(ctx context.Context, threshold time.Time, limit int) ([]*Instance[TData], error) {
	return store.collect(ctx, limit, func(instance *Instance[TData]) bool {
		return !instance.IsTerminal() && instance.LastUpdatedAt.Before(threshold)
	})
}

// FindFaulted implements Store.
func (store *MemoryStore[TData]) FindFaulted(ctx context.Context, limit int) ([]*Instance[TData], error) {
	return store.collect(ctx, limit, func(instance *Instance[TData]) bool {
		return instance.Faulted
	})
}

func (store *MemoryStore[TData]) collect(ctx context.Context, limit int, match func(*Instance[TData]) bool) ([]*Instance[TData], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	matched := make([]*Instance[TData], 0)

	for _, instance := range store.instances {
		if match(instance) {
			matched = append(matched, instance.Clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastUpdatedAt.Before(matched[j].LastUpdatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}
