// Package retry 统一的重试策略：指数退避 + 抖动，并尊重服务端的 Retry-After 提示
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/z-wentao/longscribe/pkg/apperr"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter 抖动比例 0~1，实际等待在 [d*(1-Jitter), d] 之间
	Jitter float64
	// Retryable 判断错误是否值得重试，nil 时使用 DefaultRetryable
	Retryable func(error) bool
	// Sleep 可注入的等待函数（测试用）
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, delay time.Duration, err error)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// DefaultRetryable 限流和临时错误可以重试
func DefaultRetryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindRateLimit, apperr.KindTransient:
		return true
	}
	return false
}

// Backoff 第 attempt 次失败后（从 1 开始）的等待时长
func (p Policy) Backoff(attempt int, err error) time.Duration {
	if hint := apperr.RetryAfterOf(err); hint > 0 {
		return hint
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		rngMu.Lock()
		f := rng.Float64()
		rngMu.Unlock()
		d -= time.Duration(float64(d) * p.Jitter * f)
	}
	return d
}

// Do 执行 fn，直到成功、遇到不可重试的错误或次数耗尽
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt, lastErr)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// ExhaustedError 重试次数耗尽
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("重试 %d 次后仍然失败: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Sleep 可被 Context 打断的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
