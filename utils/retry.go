package utils

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrClass is the failure classification used by the retry executor.
type ErrClass int

const (
	ClassFatal ErrClass = iota
	ClassTransient
	ClassRateLimited
)

// RateLimitFloor is the minimum wait after a rate-limited failure,
// regardless of the exponential term.
const RateLimitFloor = 30 * time.Second

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"temporarily unavailable",
	"eof",
	"context deadline exceeded",
	"net::err",
	"chrome failed to start",
	"websocket",
	"target crashed",
	"page load",
}

var rateLimitPatterns = []string{
	"429",
	"too many requests",
	"rate limit",
	"요청이 제한",
	"잠시 후 다시",
}

// Classify buckets an error for the retry executor. Rate-limited errors are
// a sub-class of transient with a floored wait; anything unrecognized is
// fatal and propagates on the first failure.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRateLimited
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *Logger
}

// Delay returns the capped exponential backoff for a zero-based attempt
// index, before jitter.
func (r *RetryConfig) Delay(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// Do executes fn with classification-aware exponential backoff. Fatal
// errors propagate immediately; transient ones are retried up to
// MaxAttempts with capped exponential backoff plus up to 30% jitter;
// rate-limited ones additionally floor the wait at RateLimitFloor. The
// wait honors ctx cancellation so a worker goroutine is never stuck in
// a backoff it cannot leave.
func (r *RetryConfig) Do(ctx context.Context, operationName string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if class == ClassFatal {
			return fmt.Errorf("%s: %w", operationName, lastErr)
		}

		if attempt == r.MaxAttempts-1 {
			break
		}

		wait := r.waitFor(class, attempt)

		r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v — retrying in %v",
			operationName, attempt+1, r.MaxAttempts, lastErr, wait)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: canceled during backoff: %w", operationName, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, r.MaxAttempts, lastErr)
}

// waitFor computes the wait before the next attempt: capped exponential
// backoff plus up to 30% jitter, floored at RateLimitFloor for
// rate-limited failures regardless of the exponential term.
func (r *RetryConfig) waitFor(class ErrClass, attempt int) time.Duration {
	wait := r.Delay(attempt)
	wait += time.Duration(rand.Int63n(int64(wait)/10*3 + 1))
	if class == ClassRateLimited && wait < RateLimitFloor {
		wait = RateLimitFloor
	}
	return wait
}
