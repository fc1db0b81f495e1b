// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidPolicy is returned by Do for a policy that cannot run.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy bounds the number of attempts and the delay between them.
// The delay before attempt n+1 is BaseDelay * 2^(n-1), capped at MaxDelay when set.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts with 1s then 2s between them.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 || p.BaseDelay < 0 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops immediately. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Result describes how a Do call ended.
type Result struct {
	Attempts int
}

// Do calls fn until it succeeds, returns a permanent error, the context ends, or the attempts run
// out. onRetry, when not nil, is called before each wait with the failed attempt number and error.
// The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) (Result, error) {
	if errValidate := p.Validate(); errValidate != nil {
		return Result{}, errValidate
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return Result{Attempts: attempt}, nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return Result{Attempts: attempt}, perm.err
		}
		if attempt == p.MaxAttempts {
			return Result{Attempts: attempt}, lastErr
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt}, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return Result{Attempts: p.MaxAttempts}, lastErr
}
