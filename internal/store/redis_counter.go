package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tckz/counter-api/internal/config"
)

var _ Counter = (*RedisCounter)(nil)

type RedisCounter struct {
	key    string
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient, key string) *RedisCounter {
	return &RedisCounter{key: key, client: client}
}

// NewRedisClient disables go-redis' own command retries; a lost INCR reply must
// not be replayed behind the caller's back.
func NewRedisClient(c config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{c.Addr()},
		DB:           c.DB,
		Password:     c.Password,
		DialTimeout:  time.Second * 2,
		ReadTimeout:  time.Second * 2,
		WriteTimeout: time.Second * 2,
		PoolSize:     c.PoolSize,
		PoolTimeout:  time.Second * 5,
		MaxRetries:   -1,
	})
}

func (c *RedisCounter) Get(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		return 0, fmt.Errorf("redis.Get: key=%s, %w", c.key, err)
	}
	if err != nil {
		return 0, classify("redis.Get", err)
	}
	return v, nil
}

func (c *RedisCounter) Up(ctx context.Context) (int64, error) {
	v, err := c.client.IncrBy(ctx, c.key, 1).Result()
	if err != nil {
		return 0, classify("redis.IncrBy", err)
	}
	return v, nil
}

func (c *RedisCounter) Set(ctx context.Context, v int64) error {
	if err := c.client.Set(ctx, c.key, v, 0).Err(); err != nil {
		return classify("redis.Set", err)
	}
	return nil
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return classify("redis.Ping", err)
	}
	return nil
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// classify keeps server replies (WRONGTYPE, not an integer, ...) apart from
// transport failures.
func classify(op string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
