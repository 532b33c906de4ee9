package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/redis/go-redis/v9"
)

// casScript atomically replaces a key's value iff the current value matches
// the expected one. Returns 1 on swap, 0 otherwise. The replacement keeps
// the TTL passed by the caller (milliseconds; 0 preserves no expiry).
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[2])
	end
	return 1
end
return 0
`)

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Prefix       string // key prefix for namespacing
}

// DefaultRedisConfig returns default Redis configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Prefix:       "sentinel:",
	}
}

// RedisStore implements Store on top of a Redis client.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config *RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", "error", err, "addr", config.Addr)
		return nil, apperrors.StoreUnavailableError("failed to connect to Redis", err)
	}

	logger.Info("Connected to Redis credential store", "addr", config.Addr, "db", config.DB)

	return &RedisStore{
		client: client,
		logger: logger,
		prefix: config.Prefix,
	}, nil
}

func (s *RedisStore) buildKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		s.logger.Warn("Store get failed", "key", key, "error", err)
		return nil, apperrors.StoreUnavailableError("get failed", err)
	}
	return []byte(val), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.buildKey(key), value, normalizeTTL(ttl)).Err(); err != nil {
		s.logger.Warn("Store set failed", "key", key, "error", err)
		return apperrors.StoreUnavailableError("set failed", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.buildKey(key), value, normalizeTTL(ttl)).Result()
	if err != nil {
		s.logger.Warn("Store setnx failed", "key", key, "error", err)
		return false, apperrors.StoreUnavailableError("setnx failed", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, s.client,
		[]string{s.buildKey(key)},
		expected, replacement, normalizeTTL(ttl).Milliseconds(),
	).Int()
	if err != nil {
		s.logger.Warn("Store cas failed", "key", key, "error", err)
		return false, apperrors.StoreUnavailableError("compare-and-swap failed", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.buildKey(key)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		s.logger.Warn("Store delete failed", "keys", len(keys), "error", err)
		return apperrors.StoreUnavailableError("delete failed", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.buildKey(pattern)).Result()
	if err != nil {
		s.logger.Warn("Store keys failed", "pattern", pattern, "error", err)
		return nil, apperrors.StoreUnavailableError("keys failed", err)
	}
	// Strip the namespace prefix so callers see the logical keyspace.
	stripped := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) >= len(s.prefix) {
			stripped = append(stripped, key[len(s.prefix):])
		}
	}
	return stripped, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.StoreUnavailableError("ping failed", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Stats returns connection pool statistics for diagnostics.
func (s *RedisStore) Stats() map[string]any {
	poolStats := s.client.PoolStats()
	return map[string]any{
		"hits":        poolStats.Hits,
		"misses":      poolStats.Misses,
		"timeouts":    poolStats.Timeouts,
		"total_conns": poolStats.TotalConns,
		"idle_conns":  poolStats.IdleConns,
		"stale_conns": poolStats.StaleConns,
	}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

var _ Store = (*RedisStore)(nil)
