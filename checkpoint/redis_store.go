package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis. Each record lives under its
// own key and every ID is also a zero-score member of a sorted set, so
// ZRANGE returns IDs in lexical (chronological) order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. The prefix namespaces the keys;
// empty defaults to "taskflow:checkpoint".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskflow:checkpoint"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) idsKey() string {
	return s.prefix + ":ids"
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	// Record and index land in one MULTI/EXEC so a reader never sees an
	// indexed ID without its record, or vice versa. All members score 0:
	// equal scores make Redis sort lexically. Re-adding an existing member
	// is a no-op, so a duplicate save leaves the index untouched.
	pipe := s.client.TxPipeline()
	set := pipe.SetNX(ctx, s.key(cp.ID), data, 0)
	pipe.ZAdd(ctx, s.idsKey(), redis.Z{Score: 0, Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	if !set.Val() {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cp.ID)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &cp, nil
}

// LoadLatest implements Store.
func (s *RedisStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.idsKey(), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.Load(ctx, ids[0])
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
