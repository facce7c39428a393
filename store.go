package yieldsaga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.jetify.com/typeid"
)

// CreateRequest describes a new saga.
type CreateRequest struct {
	Workflow    Workflow
	UserAddress string
	Amount      decimal.Decimal
	Parameters  Parameters
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status      Status
	UserAddress string
	Workflow    Workflow
}

// Matches reports whether state passes the filter.
func (f ListFilter) Matches(state *TransactionState) bool {
	if f.Status != "" && state.Status != f.Status {
		return false
	}
	if f.UserAddress != "" && state.UserAddress != f.UserAddress {
		return false
	}
	if f.Workflow != "" && state.Workflow != f.Workflow {
		return false
	}
	return true
}

// Store persists saga state. Every mutator fails with a StateNotFound error
// when the id is unknown.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (*TransactionState, error)
	Get(ctx context.Context, id string) (*TransactionState, error)
	List(ctx context.Context, filter ListFilter) ([]*TransactionState, error)
	UpdateStatus(ctx context.Context, id string, status Status, cause error) error
	UpdateStep(ctx context.Context, id string, step Step) error
	UpdateChainTxRef(ctx context.Context, id, network, key, ref string) error
	UpdateBridgeData(ctx context.Context, id string, partial BridgeData) error
	UpdateAmounts(ctx context.Context, id string, partial Amounts) error
	MarkCommitted(ctx context.Context, id string) error
	RecordBurn(ctx context.Context, id, network, key, txRef, messageHash string) error
	CloseBridgeLeg(ctx context.Context, id, leg string) error
	SetPendingRedemption(ctx context.Context, id, ref string) error
}

// Backend is the persistence primitive a Store is built on. Mutate must apply
// fn atomically with respect to other mutations of the same id and must not
// persist anything when fn returns an error.
type Backend interface {
	Insert(ctx context.Context, state *TransactionState) error
	Load(ctx context.Context, id string) (*TransactionState, error)
	Mutate(ctx context.Context, id string, fn func(*TransactionState) error) error
	List(ctx context.Context, filter ListFilter) ([]*TransactionState, error)
}

// StateStore implements Store on top of a Backend. All invariants of the
// state record are enforced here, so every backend behaves the same.
type StateStore struct {
	backend Backend
	now     func() time.Time
}

// NewStore returns a Store backed by backend.
func NewStore(backend Backend) *StateStore {
	return &StateStore{backend: backend, now: time.Now}
}

// NewMemoryStore returns a Store that keeps everything in memory.
func NewMemoryStore() *StateStore {
	return NewStore(NewMemoryBackend())
}

func newSagaID() (string, error) {
	id, err := typeid.WithPrefix("saga")
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *StateStore) Create(ctx context.Context, req CreateRequest) (*TransactionState, error) {
	if !req.Workflow.Valid() {
		return nil, fmt.Errorf("unknown workflow %q", req.Workflow)
	}
	if req.UserAddress == "" {
		return nil, fmt.Errorf("user address is required")
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative")
	}
	id, err := newSagaID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate saga id: %w", err)
	}
	now := s.now().UTC()
	state := &TransactionState{
		ID:          id,
		Workflow:    req.Workflow,
		Status:      StatusPending,
		CurrentStep: req.Workflow.FirstStep(),
		UserAddress: req.UserAddress,
		Amount:      req.Amount,
		Parameters:  req.Parameters.copy(),
		ChainTxRefs: map[string]map[string]string{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.backend.Insert(ctx, state.Copy()); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *StateStore) Get(ctx context.Context, id string) (*TransactionState, error) {
	return s.backend.Load(ctx, id)
}

// List returns matching sagas, newest first.
func (s *StateStore) List(ctx context.Context, filter ListFilter) ([]*TransactionState, error) {
	states, err := s.backend.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
	return states, nil
}

func (s *StateStore) mutate(ctx context.Context, id string, fn func(*TransactionState) error) error {
	return s.backend.Mutate(ctx, id, func(state *TransactionState) error {
		if err := fn(state); err != nil {
			return err
		}
		state.Version++
		state.UpdatedAt = s.now().UTC()
		return nil
	})
}

func (s *StateStore) UpdateStatus(ctx context.Context, id string, status Status, cause error) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.SetStatus(status, cause)
	})
}

func (s *StateStore) UpdateStep(ctx context.Context, id string, step Step) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.SetStep(step)
	})
}

func (s *StateStore) UpdateChainTxRef(ctx context.Context, id, network, key, ref string) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.SetChainTxRef(network, key, ref)
	})
}

func (s *StateStore) UpdateBridgeData(ctx context.Context, id string, partial BridgeData) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.MergeBridgeData(partial)
	})
}

func (s *StateStore) UpdateAmounts(ctx context.Context, id string, partial Amounts) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.MergeAmounts(partial)
	})
}

func (s *StateStore) MarkCommitted(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		state.MarkCommitted()
		return nil
	})
}

// RecordBurn persists a burn in a single mutation so a saga is never left
// committed without its message hash, or the reverse.
func (s *StateStore) RecordBurn(ctx context.Context, id, network, key, txRef, messageHash string) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.RecordBurn(network, key, txRef, messageHash)
	})
}

func (s *StateStore) CloseBridgeLeg(ctx context.Context, id, leg string) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		return state.CloseBridgeLeg(leg)
	})
}

func (s *StateStore) SetPendingRedemption(ctx context.Context, id, ref string) error {
	return s.mutate(ctx, id, func(state *TransactionState) error {
		state.SetPendingRedemption(ref)
		return nil
	})
}

// Export returns the JSON document of one saga.
func (s *StateStore) Export(ctx context.Context, id string) ([]byte, error) {
	state, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// Import loads a saga previously produced by Export. Importing an id that
// already exists fails.
func (s *StateStore) Import(ctx context.Context, data []byte) (*TransactionState, error) {
	state, err := UnmarshalState(data)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Insert(ctx, state.Copy()); err != nil {
		return nil, err
	}
	return state, nil
}

// UnmarshalState decodes a saga document as written by Export or by a
// backend that stores JSON.
func UnmarshalState(data []byte) (*TransactionState, error) {
	var state TransactionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.ID == "" || !state.Workflow.Valid() {
		return nil, fmt.Errorf("invalid state document")
	}
	if state.ChainTxRefs == nil {
		state.ChainTxRefs = map[string]map[string]string{}
	}
	return &state, nil
}
