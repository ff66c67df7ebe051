package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the backoff curve applied to a single outbound call.
type Policy struct {
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Multiplier       float64
	Jitter           float64
	MaxTries         int
	MaxRateLimitWait time.Duration
}

// Classifier reports whether err may be retried and, when the provider
// supplied one, how long to wait before the next try.
type Classifier func(err error) (retryable bool, wait time.Duration)

// Notify is called before each sleep.
type Notify func(err error, next time.Duration)

// Do runs op until it succeeds, the classifier rejects the error, MaxTries
// is reached or ctx ends. A provider-supplied wait is slept through without
// using up a try, as long as the waits of this call add up to no more than
// MaxRateLimitWait; past that the error is returned so the caller can
// reschedule instead.
func Do[T any](ctx context.Context, p Policy, classify Classifier, notify Notify, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter

	tries := p.MaxTries
	if tries < 1 {
		tries = 1
	}

	var (
		lastErr error
		waited  time.Duration
	)
	wrapped := func() (T, error) {
		for {
			v, err := op()
			if err == nil {
				lastErr = nil
				return v, nil
			}
			lastErr = err
			ok, wait := classify(err)
			if !ok {
				return v, backoff.Permanent(err)
			}
			if wait <= 0 {
				return v, err
			}
			if waited+wait > p.MaxRateLimitWait {
				return v, backoff.Permanent(err)
			}
			waited += wait
			if notify != nil {
				notify(err, wait)
			}
			if serr := sleep(ctx, wait); serr != nil {
				return v, backoff.Permanent(serr)
			}
		}
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	v, err := backoff.Retry(ctx, wrapped, opts...)
	if err != nil && lastErr != nil {
		// backoff wraps the last failure in its own types; callers classify
		// the provider error, so hand that back.
		return v, lastErr
	}
	return v, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns base * 2^(attempt-1), capped at max. It spaces retries
// of work that is rescheduled across invocations rather than slept on.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
