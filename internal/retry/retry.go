// Package retry bounds reconnect loops with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay is the wait after the given zero-based failed attempt.
// BaseDelay * 2^attempt, capped at MaxDelay. No jitter, so it is deterministic.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: 2,
	}
	return b.ForAttempt(float64(attempt))
}

type options struct {
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, delay time.Duration, err error)
}

type Option func(o *options)

// WithSleep swaps the timer-based wait, mostly for tests.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return Option(func(o *options) {
		o.sleep = f
	})
}

// WithOnRetry is called after each failed attempt that will be retried.
func WithOnRetry(f func(attempt int, delay time.Duration, err error)) Option {
	return Option(func(o *options) {
		o.onRetry = f
	})
}

// Do calls fn until it succeeds, MaxAttempts is reached, or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	options := options{
		sleep:   sleepContext,
		onRetry: func(int, time.Duration, error) {},
	}
	for _, e := range opts {
		e(&options)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		d := p.Delay(i)
		options.onRetry(i+1, d, err)
		if serr := options.sleep(ctx, d); serr != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", i+1, serr)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
