// Package redisstore persists saga state in Redis. Each saga is one JSON
// value; mutations use WATCH/MULTI so concurrent writers never lose updates.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "yieldsaga"

// maxMutateAttempts bounds optimistic retries when a watched key changes.
const maxMutateAttempts = 10

// Backend implements yieldsaga.Backend on a Redis client.
type Backend struct {
	client redis.UniversalClient
	prefix string
}

// New creates a backend. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

// NewStore returns a saga store backed by Redis.
func NewStore(client redis.UniversalClient, prefix string) *yieldsaga.StateStore {
	return yieldsaga.NewStore(New(client, prefix))
}

func (b *Backend) sagaKey(id string) string {
	return fmt.Sprintf("%s:saga:%s", b.prefix, id)
}

func (b *Backend) allKey() string {
	return b.prefix + ":sagas"
}

func (b *Backend) statusKey(status yieldsaga.Status) string {
	return fmt.Sprintf("%s:status:%s", b.prefix, status)
}

func (b *Backend) Insert(ctx context.Context, state *yieldsaga.TransactionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode saga: %w", err)
	}
	key := b.sagaKey(state.ID)
	return b.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", yieldsaga.ErrStateExists, state.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, b.allKey(), state.ID)
			pipe.SAdd(ctx, b.statusKey(state.Status), state.ID)
			return nil
		})
		return err
	}, key)
}

func (b *Backend) Load(ctx context.Context, id string) (*yieldsaga.TransactionState, error) {
	data, err := b.client.Get(ctx, b.sagaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, yieldsaga.NewStateNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}
	return yieldsaga.UnmarshalState(data)
}

// Mutate reads, applies fn and writes back inside a transaction watching the
// saga key. It retries when another writer got there first.
func (b *Backend) Mutate(ctx context.Context, id string, fn func(*yieldsaga.TransactionState) error) error {
	key := b.sagaKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return yieldsaga.NewStateNotFoundError(id)
		}
		if err != nil {
			return err
		}
		state, err := yieldsaga.UnmarshalState(data)
		if err != nil {
			return err
		}
		before := state.Status
		if err := fn(state); err != nil {
			return err
		}
		next, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to encode saga: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if state.Status != before {
				pipe.SRem(ctx, b.statusKey(before), id)
				pipe.SAdd(ctx, b.statusKey(state.Status), id)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("saga %s: too much contention after %d attempts", id, maxMutateAttempts)
}

// List uses the status index when the filter names a status.
func (b *Backend) List(ctx context.Context, filter yieldsaga.ListFilter) ([]*yieldsaga.TransactionState, error) {
	index := b.allKey()
	if filter.Status != "" {
		index = b.statusKey(filter.Status)
	}
	ids, err := b.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.sagaKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sagas: %w", err)
	}
	var out []*yieldsaga.TransactionState
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		state, err := yieldsaga.UnmarshalState([]byte(s))
		if err != nil {
			return nil, err
		}
		if filter.Matches(state) {
			out = append(out, state)
		}
	}
	return out, nil
}
