package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentcrew/core"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "agentcrew:session:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "agentcrew:session:"

// maxWatchRetries bounds optimistic transaction retries on contended metadata.
const maxWatchRetries = 16

// RedisStore implements core.SessionStore on Redis, suitable for
// multi-node deployments. Each session is stored as three keys: a JSON
// metadata document, a list of JSON runs and a JSON state document.
// MergeState is atomic across processes; the session Locker only serializes
// commits within one process.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// sessionMeta is the persisted session header without runs and state.
type sessionMeta struct {
	ID       string               `json:"id"`
	UserID   string               `json:"user_id,omitempty"`
	OwnerID  string               `json:"owner_id,omitempty"`
	Summary  *core.SessionSummary `json:"summary,omitempty"`
	Metadata map[string]string    `json:"metadata,omitempty"`
	Created  time.Time            `json:"created"`
	Updated  time.Time            `json:"updated"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) metaKey(sessionID string) string  { return s.prefix + "meta:" + sessionID }
func (s *RedisStore) runsKey(sessionID string) string  { return s.prefix + "runs:" + sessionID }
func (s *RedisStore) stateKey(sessionID string) string { return s.prefix + "state:" + sessionID }

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadMeta(ctx context.Context, c getter, sessionID string) (*sessionMeta, error) {
	data, err := c.Get(ctx, s.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta sessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// Load reads the session header, runs and state.
func (s *RedisStore) Load(ctx context.Context, userID, sessionID string) (*core.Session, error) {
	meta, err := s.loadMeta(ctx, s.client, sessionID)
	if err != nil {
		return nil, err
	}

	if !visibleTo(meta.UserID, userID) {
		return nil, core.ErrSessionNotFound
	}

	pipe := s.client.Pipeline()
	runsCmd := pipe.LRange(ctx, s.runsKey(sessionID), 0, -1)
	stateCmd := pipe.Get(ctx, s.stateKey(sessionID))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := &core.Session{
		ID:       meta.ID,
		UserID:   meta.UserID,
		OwnerID:  meta.OwnerID,
		Summary:  meta.Summary,
		Metadata: meta.Metadata,
		Created:  meta.Created,
		Updated:  meta.Updated,
		Runs:     []core.Run{},
		State:    map[string]any{},
	}

	for _, raw := range runsCmd.Val() {
		var run core.Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		sess.Runs = append(sess.Runs, run)
	}

	if raw := stateCmd.Val(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}

	return sess, nil
}

// AppendRun pushes run onto the session's run list, creating the session
// when needed. The metadata update and the push commit in one transaction.
func (s *RedisStore) AppendRun(ctx context.Context, userID, sessionID string, run core.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	return s.write(ctx, userID, sessionID, nil, func(meta *sessionMeta, pipe redis.Pipeliner) {
		if meta.OwnerID == "" {
			meta.OwnerID = run.Author
		}
		pipe.RPush(ctx, s.runsKey(sessionID), data)
		s.expire(ctx, pipe, s.runsKey(sessionID))
	})
}

// GetState returns the session state. Unknown sessions have empty state.
func (s *RedisStore) GetState(ctx context.Context, userID, sessionID string) (map[string]any, error) {
	meta, err := s.loadMeta(ctx, s.client, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}

	if !visibleTo(meta.UserID, userID) {
		return map[string]any{}, nil
	}

	return s.readState(ctx, s.client, sessionID)
}

func (s *RedisStore) readState(ctx context.Context, c getter, sessionID string) (map[string]any, error) {
	raw, err := c.Get(ctx, s.stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}

	state := map[string]any{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return state, nil
}

// SetState atomically replaces the session state.
func (s *RedisStore) SetState(ctx context.Context, userID, sessionID string, state map[string]any) error {
	if state == nil {
		state = map[string]any{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return s.write(ctx, userID, sessionID, nil, func(_ *sessionMeta, pipe redis.Pipeliner) {
		pipe.Set(ctx, s.stateKey(sessionID), data, s.ttl)
	})
}

// MergeState implements core.StateMerger. The state key is watched together
// with the metadata, so a concurrent writer from another process forces a
// retry instead of losing its update.
func (s *RedisStore) MergeState(ctx context.Context, userID, sessionID string, delta map[string]any) error {
	var data []byte

	read := func(tx *redis.Tx) error {
		state, err := s.readState(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		maps.Copy(state, delta)

		data, err = json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}

		return nil
	}

	return s.write(ctx, userID, sessionID, read, func(_ *sessionMeta, pipe redis.Pipeliner) {
		pipe.Set(ctx, s.stateKey(sessionID), data, s.ttl)
	}, s.stateKey(sessionID))
}

// SetSummary implements core.SummaryStore.
func (s *RedisStore) SetSummary(ctx context.Context, userID, sessionID string, summary core.SessionSummary) error {
	return s.write(ctx, userID, sessionID, nil, func(meta *sessionMeta, _ redis.Pipeliner) {
		meta.Summary = &summary
	})
}

// Delete removes all keys of a session.
func (s *RedisStore) Delete(ctx context.Context, userID, sessionID string) error {
	meta, err := s.loadMeta(ctx, s.client, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !visibleTo(meta.UserID, userID) {
		return core.ErrSessionUserMismatch
	}

	if err := s.client.Del(ctx, s.metaKey(sessionID), s.runsKey(sessionID), s.stateKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// write runs an optimistic transaction over the session metadata and any
// extra watched keys: the header is created or ownership-checked, read (if
// set) inspects watched keys, mutate queues its commands, and the updated
// header is written in the same MULTI block.
func (s *RedisStore) write(ctx context.Context, userID, sessionID string, read func(tx *redis.Tx) error, mutate func(meta *sessionMeta, pipe redis.Pipeliner), watch ...string) error {
	key := s.metaKey(sessionID)
	keys := append([]string{key}, watch...)

	txf := func(tx *redis.Tx) error {
		meta, err := s.loadMeta(ctx, tx, sessionID)
		switch {
		case errors.Is(err, core.ErrSessionNotFound):
			now := time.Now().UTC()
			meta = &sessionMeta{ID: sessionID, UserID: userID, Created: now}
		case err != nil:
			return err
		case !visibleTo(meta.UserID, userID):
			return core.ErrSessionUserMismatch
		}

		if read != nil {
			if err := read(tx); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			mutate(meta, pipe)

			meta.Updated = time.Now().UTC()

			data, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}

			pipe.Set(ctx, key, data, s.ttl)

			return nil
		})

		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, core.ErrSessionUserMismatch) {
			return fmt.Errorf("write session: %w", err)
		}
		return err
	}

	return fmt.Errorf("write session %s: too much contention", sessionID)
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}
