/*
Package retry implements the bounded retry policy used at the fanout bus and backing-store
boundaries. It wraps sethvargo/go-retry with a configurable backoff multiplier.
*/
package retry

import (
	"context"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts uint64

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after every failed attempt.
	Multiplier float64

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used when configuration does not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
	}
}

// backoff builds a fresh go-retry Backoff. Backoffs are stateful, so one is built per Do call.
func (p Policy) backoff() goretry.Backoff {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var attempt float64
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, attempt))
		attempt++
		if d <= 0 {
			d = time.Millisecond
		}
		return d, false
	})

	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}

	return goretry.WithMaxRetries(retries, b)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts are exhausted
// or ctx is done. fn marks transient failures with Retryable.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return goretry.Do(ctx, p.backoff(), fn)
}

// Retryable marks err as transient so Do tries again. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return goretry.RetryableError(err)
}
