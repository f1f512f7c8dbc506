package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/datastore"
	"github.com/tckz/counter-api/internal/config"
	"google.golang.org/api/option"
)

var _ Counter = (*DatastoreCounter)(nil)

type counterEntity struct {
	Value int64 `datastore:"value,noindex"`
}

// DatastoreCounter keeps the value in one Cloud Datastore entity.
// Up runs inside a transaction, which Datastore retries on contention.
type DatastoreCounter struct {
	key    *datastore.Key
	client *datastore.Client
}

func NewDatastoreCounter(ctx context.Context, c config.Datastore, name string) (*DatastoreCounter, error) {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}

	cl, err := datastore.NewClient(ctx, c.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("datastore.NewClient: %w", err)
	}

	return &DatastoreCounter{
		key:    datastore.NameKey(c.Kind, name, nil),
		client: cl,
	}, nil
}

func (c *DatastoreCounter) Get(ctx context.Context) (int64, error) {
	var e counterEntity
	err := c.client.Get(ctx, c.key, &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: datastore.Get: %w", ErrUnavailable, err)
	}
	return e.Value, nil
}

func (c *DatastoreCounter) Up(ctx context.Context) (int64, error) {
	var v int64
	_, err := c.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		// may run more than once when the transaction loses
		var e counterEntity
		if err := tx.Get(c.key, &e); err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		e.Value++
		if _, err := tx.Put(c.key, &e); err != nil {
			return err
		}
		v = e.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: datastore.RunInTransaction: %w", ErrUnavailable, err)
	}
	return v, nil
}

func (c *DatastoreCounter) Set(ctx context.Context, v int64) error {
	if _, err := c.client.Put(ctx, c.key, &counterEntity{Value: v}); err != nil {
		return fmt.Errorf("%w: datastore.Put: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *DatastoreCounter) Ping(ctx context.Context) error {
	var e counterEntity
	err := c.client.Get(ctx, c.key, &e)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return fmt.Errorf("%w: datastore.Get: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *DatastoreCounter) Close() error {
	return c.client.Close()
}
