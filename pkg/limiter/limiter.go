// Package limiter 全局并发任务上限（计数信号量）
package limiter

import (
	"context"
	"sort"
	"sync"
)

// Limiter 全局任务槽位
// Acquire 对同一任务幂等：已持有槽位的任务再次 Acquire 直接返回 true
type Limiter interface {
	Acquire(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
	InUse(ctx context.Context) (int, error)
	// Members 当前持有槽位的任务（看门狗用来回收泄漏的槽位）
	Members(ctx context.Context) ([]string, error)
}

// MemoryLimiter 单进程实现
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	active map[string]struct{}
}

// NewMemoryLimiter 创建内存限流器
func NewMemoryLimiter(max int) *MemoryLimiter {
	return &MemoryLimiter{max: max, active: make(map[string]struct{})}
}

func (l *MemoryLimiter) Acquire(ctx context.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[jobID]; ok {
		return true, nil
	}
	if len(l.active) >= l.max {
		return false, nil
	}
	l.active[jobID] = struct{}{}
	return true, nil
}

func (l *MemoryLimiter) Release(ctx context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.active, jobID)
	return nil
}

func (l *MemoryLimiter) InUse(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.active), nil
}

func (l *MemoryLimiter) Members(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.active))
	for id := range l.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
