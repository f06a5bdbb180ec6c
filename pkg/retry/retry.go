// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedcrawl/pkg/feed"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 30 * time.Second
)

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	// Number is the 1-indexed retry about to run, out of Max-1 possible retries.
	Number int
	Max    int
	Err    error
	Delay  time.Duration
}

// Policy configures Do. MaxRetries is the total number of attempts; the
// delay before retry k is BaseDelay * 2^k, capped at MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Retryable decides whether an error gets another attempt. Defaults to
	// feed.Retryable.
	Retryable func(error) bool
	// Notify is called before every backoff sleep.
	Notify func(Attempt)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// WithNotify returns a copy of p that calls fn on every retry, after any
// hook already set on p.
func (p Policy) WithNotify(fn func(Attempt)) Policy {
	if fn == nil {
		return p
	}
	prev := p.Notify
	p.Notify = func(a Attempt) {
		if prev != nil {
			prev(a)
		}
		fn(a)
	}
	return p
}

// Delay returns the wait before retry k (1-indexed).
func (p Policy) Delay(k int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 0; i < k; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 1 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = feed.Retryable
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     2 * p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries attempts or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	attempt := 0
	wrapped := func() (T, error) {
		res, err := op(ctx)
		if err != nil && !p.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, delay time.Duration) {
		attempt++
		retriesTotal.WithLabelValues(string(feed.Classify(err))).Inc()
		if p.Notify != nil {
			p.Notify(Attempt{Number: attempt, Max: p.MaxRetries, Err: err, Delay: delay})
		}
	}

	return backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), notify)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
