package account

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/yanun0323/errors"

	"tradeguard/pkg/exception"
)

// Store keeps the last known equity so a failed balance lookup can fall
// back to it, across restarts when backed by redis.
type Store interface {
	SaveEquity(ctx context.Context, equity float64) error
	LoadEquity(ctx context.Context) (float64, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	equity float64
	ok     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveEquity(_ context.Context, equity float64) error {
	m.mu.Lock()
	m.equity, m.ok = equity, true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadEquity(context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ok {
		return 0, exception.ErrAccountNoStoredData
	}
	return m.equity, nil
}

const defaultEquityKey = "tradeguard:account:equity"

// RedisStore persists the last known equity in redis.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore wraps a redis client. An empty key uses the default key,
// ttl 0 keeps the value forever.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultEquityKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (r *RedisStore) SaveEquity(ctx context.Context, equity float64) error {
	value := strconv.FormatFloat(equity, 'f', -1, 64)
	if err := r.client.Set(ctx, r.key, value, r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "save equity to redis, key: %s", r.key)
	}
	return nil
}

func (r *RedisStore) LoadEquity(ctx context.Context) (float64, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if err == redis.Nil {
		return 0, exception.ErrAccountNoStoredData
	}
	if err != nil {
		return 0, errors.Wrapf(err, "load equity from redis, key: %s", r.key)
	}
	equity, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse stored equity %q", value)
	}
	return equity, nil
}

// NewRedisClient dials redis with the given options and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return client, nil
}
