// Package store holds the counter backends. Each backend binds one key at
// construction; increments are atomic on the backend side.
package store

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
)

// ErrUnavailable marks failures to reach the backend, as opposed to errors the
// backend itself replied with.
var ErrUnavailable = errors.New("store unavailable")

type Counter interface {
	// Get returns 0 when the counter does not exist yet.
	Get(ctx context.Context) (int64, error)
	// Up increments by one and returns the new value.
	Up(ctx context.Context) (int64, error)
	Set(ctx context.Context, v int64) error
	Ping(ctx context.Context) error
	Close() error
}

// IsDialError reports whether err happened while establishing a connection,
// i.e. no command reached the backend.
func IsDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

var _ Counter = (*LocalCounter)(nil)

// LocalCounter keeps the value in process memory. Single replica only.
type LocalCounter struct {
	key    string
	cache  *cache.Cache
	closed atomic.Bool
}

func NewLocalCounter(key string) *LocalCounter {
	return &LocalCounter{
		key:   key,
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (c *LocalCounter) Get(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrUnavailable
	}
	v, ok := c.cache.Get(c.key)
	if !ok {
		return 0, nil
	}
	return v.(int64), nil
}

func (c *LocalCounter) Up(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrUnavailable
	}
	// Add fails when the key exists, which is fine.
	_ = c.cache.Add(c.key, int64(0), cache.NoExpiration)
	return c.cache.IncrementInt64(c.key, 1)
}

func (c *LocalCounter) Set(ctx context.Context, v int64) error {
	if c.closed.Load() {
		return ErrUnavailable
	}
	c.cache.Set(c.key, v, cache.NoExpiration)
	return nil
}

func (c *LocalCounter) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrUnavailable
	}
	return nil
}

func (c *LocalCounter) Close() error {
	c.closed.Store(true)
	return nil
}
