// Package counter runs the counter operations against a store.Counter with a
// per-request deadline and a single reconnect attempt on transport failures.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tckz/counter-api/internal/retry"
	"github.com/tckz/counter-api/internal/store"
	"go.uber.org/zap"
)

var (
	ErrUnavailable = errors.New("store unavailable")
	ErrTimeout     = errors.New("store timeout")
)

type Service struct {
	store   store.Counter
	timeout time.Duration
	logger  *zap.Logger
}

func NewService(s store.Counter, timeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:   s,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Service) Read(ctx context.Context) (int64, error) {
	var v int64
	err := s.do(ctx, "read", true, func(ctx context.Context) error {
		var err error
		v, err = s.store.Get(ctx)
		return err
	})
	return v, err
}

// Write increments once. It is replayed only when the first attempt never reached
// the store, so a request never applies two increments.
func (s *Service) Write(ctx context.Context) (int64, error) {
	var v int64
	err := s.do(ctx, "increment", false, func(ctx context.Context) error {
		var err error
		v, err = s.store.Up(ctx)
		return err
	})
	return v, err
}

func (s *Service) Reset(ctx context.Context) error {
	return s.do(ctx, "reset", true, func(ctx context.Context) error {
		return s.store.Set(ctx, 0)
	})
}

func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return translate(ctx, "ping", err)
	}
	return nil
}

// Connect probes the store until it answers, backing off between attempts.
func (s *Service) Connect(ctx context.Context, p retry.Policy) error {
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return s.Ping(ctx)
	}, retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("store connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
	}))
}

func (s *Service) Close() error {
	return s.store.Close()
}

// do never extends a deadline already carried by ctx.
func (s *Service) do(ctx context.Context, op string, replayable bool, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !errors.Is(err, store.ErrUnavailable) {
		return translate(ctx, op, err)
	}
	if !replayable && !store.IsDialError(err) {
		return translate(ctx, op, err)
	}

	s.logger.Warn("store operation failed, reconnecting", zap.String("operation", op), zap.Error(err))
	if perr := s.store.Ping(ctx); perr != nil {
		return translate(ctx, op, errors.Join(err, perr))
	}
	if err := fn(ctx); err != nil {
		return translate(ctx, op, err)
	}
	return nil
}

func translate(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	case ctx.Err() != nil, errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
