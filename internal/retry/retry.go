package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chriskillpack/montage/describer"
)

type Policy struct {
	MaxRetries  int           // additional attempts after the first
	BaseDelay   time.Duration // delay before the first retry, doubled each retry
	MaxDelay    time.Duration // ceiling on a single delay
	CallTimeout time.Duration // per attempt, 0 for none

	// Retryable decides whether a failed attempt may be retried. nil means
	// describer.IsTransient, plus per-attempt timeouts.
	Retryable func(error) bool

	// OnRetry, if set, is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Error is the final failure of Do. Err is the last underlying error.
type Error struct {
	Attempts  int
	Exhausted bool // true when every allowed attempt failed transiently
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed on attempt %d: %s", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempts returns how many attempts an error from Do records, 0 if err is
// not a *Error.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned int is the number of attempts made. A
// done ctx stops further attempts and backoff sleeps.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, int, error) {
	var zero T

	p = p.normalized()
	retryable := p.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return zero, attempt, &Error{Attempts: attempt, Err: lastErr}
		}

		v, err := call(ctx, p.CallTimeout, op)
		if err == nil {
			return v, attempt + 1, nil
		}
		lastErr = err

		// The caller gave up on us, don't mistake that for a per-call timeout.
		if ctx.Err() != nil || !retryable(err) {
			return zero, attempt + 1, &Error{Attempts: attempt + 1, Err: err}
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.backoff(attempt)
		if ra := describer.RetryAfter(err); ra > delay {
			delay = min(ra, p.MaxDelay)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempt + 1, &Error{Attempts: attempt + 1, Err: lastErr}
			case <-timer.C:
			}
		}
	}

	return zero, p.MaxRetries + 1, &Error{Attempts: p.MaxRetries + 1, Exhausted: true, Err: lastErr}
}

func call[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(ctx)
}

func defaultRetryable(err error) bool {
	return describer.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// backoff returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
