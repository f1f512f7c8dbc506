package store

import (
	"context"
	"fmt"

	"github.com/tckz/counter-api/internal/config"
)

// Open builds the backend selected by c.Backend. Network backends connect lazily;
// callers probe with Ping.
func Open(ctx context.Context, c config.Config) (Counter, error) {
	switch c.Backend {
	case config.BackendRedis:
		return NewRedisCounter(NewRedisClient(c.Redis), c.CounterKey), nil
	case config.BackendMemory:
		return NewLocalCounter(c.CounterKey), nil
	case config.BackendSQLite:
		sc, err := NewSQLiteCounter(ctx, c.SQLitePath, c.CounterKey)
		if err != nil {
			return nil, err
		}
		return sc, nil
	case config.BackendDatastore:
		dc, err := NewDatastoreCounter(ctx, c.Datastore, c.CounterKey)
		if err != nil {
			return nil, err
		}
		return dc, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", c.Backend)
	}
}
