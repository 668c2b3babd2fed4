// Package redisstore keeps workflow checkpoints in Redis so that runs can be
// resumed from any node.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentcrew/workflow"
)

const defaultPrefix = "agentcrew:checkpoint:"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix (default: "agentcrew:checkpoint:").
	Prefix string
	// TTL expires checkpoints after the last save (0 = never expire).
	TTL time.Duration
}

// Store implements workflow.CheckpointStore. Each checkpoint is a JSON
// string; sorted sets scored by creation time index runs per workflow and
// overall.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewFromClient creates a store from an existing client.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) runKey(runID string) string  { return s.prefix + "run:" + runID }
func (s *Store) indexKey(name string) string { return s.prefix + "index:" + name }
func (s *Store) allKey() string              { return s.prefix + "index" }

// Save implements workflow.CheckpointStore.
func (s *Store) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return errors.New("checkpoint run ID is required")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	score := float64(cp.CreatedAt.UnixNano())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(cp.RunID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(cp.Workflow), redis.Z{Score: score, Member: cp.RunID})
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: cp.RunID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	return nil
}

// Load implements workflow.CheckpointStore.
func (s *Store) Load(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, runID)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	return decode(data)
}

// List implements workflow.CheckpointStore. Index entries whose checkpoint
// expired are pruned.
func (s *Store) List(ctx context.Context, name string) ([]*workflow.Checkpoint, error) {
	index := s.allKey()
	if name != "" {
		index = s.indexKey(name)
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(values))

	var stale []any

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}

		cp, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}

		out = append(out, cp)
	}

	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, index, stale...).Err()
	}

	workflow.SortCheckpoints(out)

	return out, nil
}

// Delete implements workflow.CheckpointStore. Unknown runs are a no-op.
func (s *Store) Delete(ctx context.Context, runID string) error {
	cp, err := s.Load(ctx, runID)
	if errors.Is(err, workflow.ErrCheckpointNotFound) {
		return s.client.ZRem(ctx, s.allKey(), runID).Err()
	}

	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.runKey(runID))
		pipe.ZRem(ctx, s.indexKey(cp.Workflow), runID)
		pipe.ZRem(ctx, s.allKey(), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}

	return nil
}

func decode(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
