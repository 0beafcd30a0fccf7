// Package txn runs ledger work inside store transactions and retries it from
// scratch when the store reports a concurrent modification.
package txn

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 25 * time.Millisecond
	DefaultMaxBackoff  = 800 * time.Millisecond
)

type Coordinator struct {
	store       store.Transactor
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Coordinator)

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(base time.Duration, limit time.Duration) Option {
	return func(c *Coordinator) {
		if base > 0 {
			c.baseBackoff = base
		}
		if limit >= c.baseBackoff {
			c.maxBackoff = limit
		}
	}
}

// WithSleep replaces the wait between attempts. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func New(st store.Transactor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Store() store.Transactor {
	return c.store
}

// Run executes work in a fresh transaction per attempt. work must do all of
// its reads before staging any write, and must not touch anything outside tx:
// a retried attempt starts again from the first read.
func Run[T any](ctx context.Context, c *Coordinator, scope domain.Scope, op string, work func(ctx context.Context, tx store.Tx) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var result T
		err := c.store.RunInTx(ctx, scope, func(ctx context.Context, tx store.Tx) error {
			out, err := work(ctx, tx)
			if err != nil {
				return err
			}
			result = out
			return nil
		})
		if err == nil {
			if attempt > 1 {
				log.Printf("[txn] %s committed after %d attempts", op, attempt)
			}
			return result, nil
		}
		if !store.IsRetryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		wait := c.backoff(attempt)
		log.Printf("[txn] %s attempt %d/%d aborted (%v), retrying in %s", op, attempt, c.maxAttempts, err, wait)
		if err := c.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%s gave up after %d attempts: %w", op, c.maxAttempts, lastErr)
}

// View runs fn without staging anything.
func View(ctx context.Context, c *Coordinator, scope domain.Scope, fn func(ctx context.Context, r store.Reader) error) error {
	return c.store.View(ctx, scope, fn)
}

// backoff is base·2^(attempt-1) capped at max, with ±50% jitter.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.baseBackoff << (attempt - 1)
	if d <= 0 || d > c.maxBackoff {
		d = c.maxBackoff
	}
	half := int64(d / 2)
	if half == 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(2*half+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
