package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-deploysync/core"
)

// MemoryStateStore keeps bucket state for the life of the process. The SQL
// store in store/sql survives restarts.
type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := NormalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[StateKey(normalized)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = NormalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[StateKey(state.Key)] = state
	return nil
}

// StateKey is the flat identity of a bucket, also used as a cache key.
func StateKey(key core.RateLimitKey) string {
	return key.ProviderID + "|" + key.BucketKey
}

var _ StateStore = (*MemoryStateStore)(nil)
