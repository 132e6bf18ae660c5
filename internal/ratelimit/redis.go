package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore backs the limiter with Redis so counters are shared
// across gateway instances. INCRBY is a single atomic operation, which is the
// only atomicity the limiter contract requires; Check-then-Increment across
// two calls remains intentionally unsynchronized.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(redisURL string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCounterStore{client: client}, nil
}

func NewRedisCounterStoreWithClient(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisCounterStore) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
