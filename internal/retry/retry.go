// Package retry runs an operation a bounded number of times with a pluggable
// backoff strategy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so Do stops retrying and returns err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Constant waits the same delay between attempts.
func Constant(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}

// Exponential doubles the delay from initial up to max, without jitter.
func Exponential(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}

// Policy describes how many attempts to make and how to wait between them.
type Policy struct {
	Attempts int
	Backoff  backoff.BackOff // defaults to no delay
	// Timer replaces the real timer; tests use it to skip the waits.
	Timer backoff.Timer
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it returns nil, returns a Permanent error, or
// p.Attempts calls have been made. fn receives the 1-based attempt number.
// The last error is returned; a cancelled ctx returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.Backoff
	if b == nil {
		b = &backoff.ZeroBackOff{}
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return fn(attempt)
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, p.Timer)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
