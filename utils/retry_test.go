package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrClass
	}{
		{"net::ERR_CONNECTION_RESET", ClassTransient},
		{"context deadline exceeded", ClassTransient},
		{"dial tcp: connection refused", ClassTransient},
		{"unexpected EOF", ClassTransient},
		{"HTTP 429 returned", ClassRateLimited},
		{"Too Many Requests", ClassRateLimited},
		{"요청이 제한되었습니다", ClassRateLimited},
		{"no such table: listings", ClassFatal},
		{"invalid selector", ClassFatal},
	}

	for _, tt := range tests {
		got := Classify(errors.New(tt.msg))
		if got != tt.want {
			t.Errorf("Classify(%q) = %d; want %d", tt.msg, got, tt.want)
		}
	}
}

func TestRetryFatalNotRetried(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, Logger: NewLogger(false)}

	calls := 0
	err := r.Do(context.Background(), "fatal-op", func() error {
		calls++
		return errors.New("schema mismatch")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("fatal error retried: %d calls, want 1", calls)
	}
}

func TestRetryTransientExhaustsAttempts(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Logger: NewLogger(false)}

	calls := 0
	last := errors.New("connection reset by peer")
	err := r.Do(context.Background(), "flaky-op", func() error {
		calls++
		return last
	})

	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
	if !errors.Is(err, last) {
		t.Errorf("exhaustion should wrap the last error, got %v", err)
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, Logger: NewLogger(false)}

	calls := 0
	err := r.Do(context.Background(), "recovering-op", func() error {
		calls++
		if calls < 3 {
			return errors.New("request timeout")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestDelayNonDecreasingUntilCap(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := r.Delay(attempt)
		if d < prev {
			t.Errorf("Delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > r.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds cap %v", attempt, d, r.MaxDelay)
		}
		prev = d
	}
	if r.Delay(9) != r.MaxDelay {
		t.Errorf("deep attempts should hit the cap, got %v", r.Delay(9))
	}
}

func TestRateLimitedWaitFloored(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

	// The exponential term for early attempts is seconds; a rate-limited
	// failure must still wait the full floor.
	for attempt := 0; attempt < 4; attempt++ {
		if w := r.waitFor(ClassRateLimited, attempt); w < RateLimitFloor {
			t.Errorf("waitFor(rateLimited, %d) = %v, below the %v floor", attempt, w, RateLimitFloor)
		}
	}

	// Plain transient failures follow the exponential term.
	if w := r.waitFor(ClassTransient, 0); w >= RateLimitFloor {
		t.Errorf("waitFor(transient, 0) = %v, should be well under the floor", w)
	}

	// The floor is a minimum, not a cap: a larger exponential term wins.
	slow := &RetryConfig{MaxAttempts: 5, BaseDelay: 40 * time.Second, MaxDelay: 2 * time.Minute}
	if w := slow.waitFor(ClassRateLimited, 0); w < 40*time.Second {
		t.Errorf("waitFor(rateLimited, 0) = %v, must not undercut the exponential term", w)
	}
}

func TestRetryCanceledDuringBackoff(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Second, Logger: NewLogger(false)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, "canceled-op", func() error {
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff wait")
	}
}
