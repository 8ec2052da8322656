package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/sessionflow/errors"
)

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
	clock  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used to stamp ModifiedTime
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.clock = clock
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		states: make(map[string]State),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create implements Store
func (m *MemoryStore) Create(ctx context.Context, states []State) (map[string]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "Create", "check context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[string]error)
	now := StampTime(m.clock())
	for _, s := range states {
		if _, exists := m.states[s.Key]; exists {
			failed[s.Key] = fmt.Errorf("%w: key %q already exists", errors.ErrVersionConflict, s.Key)
			continue
		}
		stored := s.Clone()
		stored.Version = 0
		stored.ModifiedTime = now
		m.states[s.Key] = stored
	}
	return failed, nil
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, keys []string) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "Get", "check context")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(keys))
	for _, k := range keys {
		if s, ok := m.states[k]; ok {
			out[k] = s.Clone()
		}
	}
	return out, nil
}

// Update implements Store
func (m *MemoryStore) Update(ctx context.Context, states []State) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "Update", "check context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[string]State)
	now := StampTime(m.clock())
	for _, s := range states {
		current, exists := m.states[s.Key]
		if !exists {
			failed[s.Key] = s.Clone()
			continue
		}
		if current.Version != s.Version {
			failed[s.Key] = current.Clone()
			continue
		}
		stored := s.Clone()
		stored.Version = current.Version + 1
		stored.ModifiedTime = now
		m.states[s.Key] = stored
	}
	return failed, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, states []State) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "Delete", "check context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[string]State)
	for _, s := range states {
		current, exists := m.states[s.Key]
		if !exists {
			continue
		}
		if current.Version != s.Version {
			failed[s.Key] = current.Clone()
			continue
		}
		delete(m.states, s.Key)
	}
	return failed, nil
}

// FindUpdatedBetweenWithMetadataFilter implements Store
func (m *MemoryStore) FindUpdatedBetweenWithMetadataFilter(
	ctx context.Context, interval IntervalFilter, filter MetadataFilter,
) (map[string]State, error) {
	return m.find(ctx, interval, []MetadataFilter{filter})
}

// FindUpdatedBetweenWithMetadataMatchingAny implements Store
func (m *MemoryStore) FindUpdatedBetweenWithMetadataMatchingAny(
	ctx context.Context, interval IntervalFilter, filters []MetadataFilter,
) (map[string]State, error) {
	return m.find(ctx, interval, filters)
}

func (m *MemoryStore) find(ctx context.Context, interval IntervalFilter, filters []MetadataFilter) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "Find", "check context")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State)
	for k, s := range m.states {
		if interval.Contains(s.ModifiedTime) && MatchesAny(s.Metadata, filters) {
			out[k] = s.Clone()
		}
	}
	return out, nil
}

// Len returns the number of stored states
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
