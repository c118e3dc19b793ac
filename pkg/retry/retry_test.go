package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
)

// noSleep 记录等待时长但不真正等待
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Sleep: noSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 4 {
			return apperr.New(apperr.KindTransient, apperr.CodeEngineUnavailable, "503")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, d := range want {
		if delays[i] != d {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Sleep: noSleep(&delays)}
	permanent := apperr.New(apperr.KindPayload, apperr.CodePayloadRejected, "400")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return permanent
	})
	if calls != 1 || !errors.Is(err, permanent) {
		t.Fatalf("calls = %d, err = %v", calls, err)
	}
}

func TestDoExhausted(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep(&delays)}
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return apperr.New(apperr.KindRateLimit, apperr.CodeRateLimited, "429")
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("err = %v, want ExhaustedError after 3 attempts", err)
	}
	if !apperr.Is(err, apperr.KindRateLimit) {
		t.Fatal("exhausted error must keep the last error's kind")
	}
	if len(delays) != 2 {
		t.Fatalf("slept %d times, want 2", len(delays))
	}
}

// TestBackoffHonorsRetryAfter 服务端的 Retry-After 优先于指数退避
func TestBackoffHonorsRetryAfter(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute}
	e := apperr.New(apperr.KindRateLimit, apperr.CodeRateLimited, "429")
	e.RetryAfter = 7 * time.Second
	if d := p.Backoff(1, e); d != 7*time.Second {
		t.Fatalf("Backoff = %s, want 7s", d)
	}

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(3, errors.New("x"))
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("jittered backoff %s outside [2s, 4s]", d)
		}
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{MaxAttempts: 3}.Do(ctx, func(ctx context.Context, attempt int) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
