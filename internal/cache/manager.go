// Package cache implements the Shared Cache Client: typed operations over
// a Redis-like store offering GET/SET/SETEX/DEL/EXPIRE/INCR/HSET/HGETALL/
// SADD/SMEMBERS/SISMEMBER/SREM/EVAL plus a distributed lock, all safe for
// concurrent use and fronted by an IsAvailable probe every higher layer
// (rate limiter, session manager, user cache) uses to degrade gracefully.
//
// Grounded on internal/cache/manager.go's go-redis/v9-backed Manager;
// extended with the hash/set/atomic-script/lock operations the
// orchestration core needs beyond the original's plain string GET/SET.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config is the Shared Cache Client's connection configuration.
type Config struct {
	Addr                string        `yaml:"addr" env:"CACHE_ADDR"`
	Password            string        `yaml:"password" env:"CACHE_PASSWORD"`
	DB                  int           `yaml:"db" env:"CACHE_DB"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	MaxRetries          int           `yaml:"max_retries"`
	PoolSize            int           `yaml:"pool_size"`
	MinIdleConns        int           `yaml:"min_idle_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		DB:                  0,
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager is the Shared Cache Client. All operations fail fast with typed
// errors (ErrCacheMiss, or the wrapped redis error); callers decide the
// degradation policy; cache-layer failures are expected to degrade
// gracefully rather than propagate as outages.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	closed    bool
	available atomic.Bool
}

func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := &Manager{redis: client, config: config, logger: logger.With(zap.String("component", "cache"))}
	if err := client.Ping(ctx).Err(); err != nil {
		m.available.Store(false)
		logger.Warn("cache unreachable at startup, continuing degraded", zap.Error(err))
	} else {
		m.available.Store(true)
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}
	return m, nil
}

// IsAvailable is the probe every higher layer consults before depending on
// the cache for correctness.
func (m *Manager) IsAvailable() bool {
	return m.available.Load()
}

func (m *Manager) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	return nil
}

// Get returns ErrCacheMiss when the key does not exist.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set writes key with no expiry (ttl=0) or the given TTL.
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}
	return wrap("cache set", m.redis.Set(ctx, key, value, ttl).Err())
}

// SetEX is a SET with a mandatory TTL.
// ttl<=0 falls back to the client's DefaultTTL rather than persisting
// forever, since every SETEX caller in this system is TTL-bound state.
func (m *Manager) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	return m.Set(ctx, key, value, ttl)
}

func (m *Manager) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

func (m *Manager) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return wrap("cache delete", m.redis.Del(ctx, keys...).Err())
}

func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	count, err := m.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache exists check failed: %w", err)
	}
	return count, nil
}

func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}
	return wrap("cache expire", m.redis.Expire(ctx, key, ttl).Err())
}

// Incr atomically increments key and returns the post-increment value.
// Used directly where a caller needs the raw counter without also setting
// its TTL (prefer IncrWithExpire for the QPM window pattern).
func (m *Manager) Incr(ctx context.Context, key string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	v, err := m.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incr failed: %w", err)
	}
	return v, nil
}

// incrExpireScript atomically increments key and, only on the first
// increment (value becomes 1), sets its TTL. This is the single
// server-side script the QPM window counter needs to stay correct
// across worker processes — a plain INCR followed by a separate
// EXPIRE call would race two workers into losing the expiry.
var incrExpireScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// IncrWithExpire is the atomic INCR+EXPIRE primitive backing the rate
// limiter's QPM window; the increment-and-check must be atomic to stay
// correct across worker processes.
func (m *Manager) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	v, err := incrExpireScript.Run(ctx, m.redis, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache incr-with-expire failed: %w", err)
	}
	return v, nil
}

func (m *Manager) HSet(ctx context.Context, key string, values map[string]string) error {
	if err := m.guard(); err != nil {
		return err
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return wrap("cache hset", m.redis.HSet(ctx, key, args...).Err())
}

func (m *Manager) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	v, err := m.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hgetall failed: %w", err)
	}
	if len(v) == 0 {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *Manager) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	vals := make([]interface{}, len(members))
	for i, mm := range members {
		vals[i] = mm
	}
	return wrap("cache sadd", m.redis.SAdd(ctx, key, vals...).Err())
}

func (m *Manager) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	v, err := m.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers failed: %w", err)
	}
	return v, nil
}

func (m *Manager) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	v, err := m.redis.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("cache sismember failed: %w", err)
	}
	return v, nil
}

func (m *Manager) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	vals := make([]interface{}, len(members))
	for i, mm := range members {
		vals[i] = mm
	}
	return wrap("cache srem", m.redis.SRem(ctx, key, vals...).Err())
}

func (m *Manager) SCard(ctx context.Context, key string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	v, err := m.redis.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache scard failed: %w", err)
	}
	return v, nil
}

// ZAdd sets member's score in the sorted set at key, used by the rate
// limiter's concurrency semaphore (member -> last-seen timestamp).
func (m *Manager) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return wrap("cache zadd", m.redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (m *Manager) ZRem(ctx context.Context, key string, member string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return wrap("cache zrem", m.redis.ZRem(ctx, key, member).Err())
}

// ZRemRangeByScore evicts stale semaphore holders (score below the
// liveness cutoff) before counting current holders.
func (m *Manager) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return wrap("cache zremrangebyscore", m.redis.ZRemRangeByScore(ctx, key, min, max).Err())
}

func (m *Manager) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	v, err := m.redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache zcard failed: %w", err)
	}
	return v, nil
}

// Eval runs an arbitrary Lua script atomically server-side. Exposed
// directly for callers (e.g. the rate limiter's concurrency semaphore)
// that need a script this package doesn't pre-bake.
func (m *Manager) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	v, err := m.redis.Eval(ctx, script, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("cache eval failed: %w", err)
	}
	return v, nil
}

// Lock acquires a distributed lock on key for ttl using SET NX, returning
// a token to hand to Unlock. Returns ok=false (not an error) when the lock
// is already held — contention is an expected outcome, not a failure.
func (m *Manager) Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if err := m.guard(); err != nil {
		return "", false, err
	}
	token = uuid.NewString()
	ok, err = m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache lock failed: %w", err)
	}
	return token, ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Unlock releases a lock previously acquired with Lock, only if token
// still matches (so a lock that expired and was reacquired by someone
// else is never released out from under them).
func (m *Manager) Unlock(ctx context.Context, key, token string) error {
	if err := m.guard(); err != nil {
		return err
	}
	_, err := unlockScript.Run(ctx, m.redis, []string{key}, token).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("cache unlock failed: %w", err)
	}
	return nil
}

func (m *Manager) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.redis.Close()
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			m.available.Store(false)
			m.logger.Warn("cache health check failed", zap.Error(err))
		} else {
			m.available.Store(true)
		}
	}
}

func wrap(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

// ErrCacheMiss signals a GET/HGETALL found no value for the key.
var ErrCacheMiss = fmt.Errorf("cache miss")

func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}
