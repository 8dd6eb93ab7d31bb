package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by
// RedisStateStore. Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStateStoreConfig holds configuration for the Redis-backed StateStore.
type RedisStateStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long monitor bookkeeping survives without updates.
	// Stale warning runs and rollback timestamps expire on their own.
	TTL time.Duration
}

// RedisStateStore shares monitor state between instances watching the same
// rollout, so warning runs and suppression windows hold across restarts and
// replicas.
type RedisStateStore struct {
	cfg    RedisStateStoreConfig
	client RedisClient
}

// NewRedisStateStore connects to Redis and verifies the connection with PING.
func NewRedisStateStore(ctx context.Context, cfg RedisStateStoreConfig) (*RedisStateStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "rollout:monitor"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("monitor state store: ping failed: %w", err)
	}
	return &RedisStateStore{cfg: cfg, client: client}, nil
}

// NewRedisStateStoreWithClient creates a RedisStateStore backed by a
// pre-built client. This is intended for testing only.
func NewRedisStateStoreWithClient(cfg RedisStateStoreConfig, client RedisClient) *RedisStateStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "rollout:monitor"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStateStore{cfg: cfg, client: client}
}

func (s *RedisStateStore) warningKey(rollout string) string {
	return s.cfg.Prefix + ":warn:" + rollout
}

func (s *RedisStateStore) rollbackKey(rollout string) string {
	return s.cfg.Prefix + ":rollback:" + rollout
}

func (s *RedisStateStore) WarningState(ctx context.Context, rollout string) (WarningState, error) {
	var st WarningState
	raw, err := s.client.Get(ctx, s.warningKey(rollout)).Result()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get warning state: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return WarningState{}, fmt.Errorf("decode warning state: %w", err)
	}
	return st, nil
}

func (s *RedisStateStore) SetWarningState(ctx context.Context, rollout string, st WarningState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode warning state: %w", err)
	}
	if err := s.client.Set(ctx, s.warningKey(rollout), raw, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("set warning state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) ClearWarningState(ctx context.Context, rollout string) error {
	if err := s.client.Del(ctx, s.warningKey(rollout)).Err(); err != nil {
		return fmt.Errorf("clear warning state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) LastRollbackAt(ctx context.Context, rollout string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.rollbackKey(rollout)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last rollback: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode last rollback: %w", err)
	}
	return t, true, nil
}

func (s *RedisStateStore) SetLastRollbackAt(ctx context.Context, rollout string, t time.Time) error {
	raw := t.UTC().Format(time.RFC3339Nano)
	if err := s.client.Set(ctx, s.rollbackKey(rollout), raw, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("set last rollback: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStateStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
