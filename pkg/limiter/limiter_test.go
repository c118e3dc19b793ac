package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryLimiterCeiling(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(2)

	for _, id := range []string{"a", "b"} {
		if ok, _ := l.Acquire(ctx, id); !ok {
			t.Fatalf("Acquire(%s) refused below the ceiling", id)
		}
	}
	if ok, _ := l.Acquire(ctx, "c"); ok {
		t.Fatal("Acquire(c) granted above the ceiling")
	}
	// 同一任务重复 Acquire 不占用新槽位
	if ok, _ := l.Acquire(ctx, "a"); !ok {
		t.Fatal("re-acquire by the holder must succeed")
	}
	if n, _ := l.InUse(ctx); n != 2 {
		t.Fatalf("InUse = %d, want 2", n)
	}

	l.Release(ctx, "a")
	if ok, _ := l.Acquire(ctx, "c"); !ok {
		t.Fatal("Acquire(c) refused after a release")
	}
	members, _ := l.Members(ctx)
	if fmt.Sprint(members) != "[b c]" {
		t.Fatalf("Members = %v", members)
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(3)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ok, _ := l.Acquire(ctx, fmt.Sprintf("job-%d", i)); ok {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if granted.Load() != 3 {
		t.Fatalf("granted %d slots, want 3", granted.Load())
	}
}
