package yieldsaga

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps saga records in a map guarded by a RWMutex. Reads
// return copies so callers can never alias stored state.
type MemoryBackend struct {
	states map[string]*TransactionState
	mutex  sync.RWMutex
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: map[string]*TransactionState{}}
}

func (b *MemoryBackend) Insert(ctx context.Context, state *TransactionState) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.states[state.ID]; ok {
		return fmt.Errorf("%w: %s", ErrStateExists, state.ID)
	}
	b.states[state.ID] = state.Copy()
	return nil
}

func (b *MemoryBackend) Load(ctx context.Context, id string) (*TransactionState, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	state, ok := b.states[id]
	if !ok {
		return nil, NewStateNotFoundError(id)
	}
	return state.Copy(), nil
}

// Mutate applies fn to a copy and swaps it in only if fn succeeds.
func (b *MemoryBackend) Mutate(ctx context.Context, id string, fn func(*TransactionState) error) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	state, ok := b.states[id]
	if !ok {
		return NewStateNotFoundError(id)
	}
	next := state.Copy()
	if err := fn(next); err != nil {
		return err
	}
	b.states[id] = next
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, filter ListFilter) ([]*TransactionState, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	var out []*TransactionState
	for _, state := range b.states {
		if filter.Matches(state) {
			out = append(out, state.Copy())
		}
	}
	return out, nil
}

func (b *MemoryBackend) remove(id string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.states, id)
}
