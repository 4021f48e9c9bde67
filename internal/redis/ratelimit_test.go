package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	return limiter, &now
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "org-1")
		if err != nil {
			t.Fatalf("event %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("event %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("event %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "org-1"); !result.Allowed {
			t.Fatalf("event %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("event should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "org-1")
	*now = now.Add(30 * time.Second)
	limiter.Allow(ctx, "org-1")

	if result, _ := limiter.Allow(ctx, "org-1"); result.Allowed {
		t.Fatal("third event inside the window should be blocked")
	}

	*now = now.Add(31 * time.Second)
	result, err := limiter.Allow(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("oldest event left the window, next should be allowed")
	}
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	if result, _ := limiter.AllowN(ctx, "org-1", 4); !result.Allowed || result.Remaining != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result, _ := limiter.AllowN(ctx, "org-1", 2); result.Allowed {
		t.Fatal("batch exceeding the limit must be rejected whole")
	}
	if result, _ := limiter.Allow(ctx, "org-1"); !result.Allowed {
		t.Error("rejected batch must not consume slots")
	}
}

func TestRateLimiter_KeysAndPrefixesIsolated(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 1, time.Minute)
	sms := limiter.WithPrefix("sms")
	ctx := context.Background()

	limiter.Allow(ctx, "org-1")

	if result, _ := limiter.Allow(ctx, "org-2"); !result.Allowed {
		t.Error("different key should have its own budget")
	}
	if result, _ := sms.Allow(ctx, "org-1"); !result.Allowed {
		t.Error("different prefix should have its own budget")
	}
	if sms.Config().Limit != 1 {
		t.Errorf("prefixed limiter should share config, got %+v", sms.Config())
	}
}

func TestRateLimiter_ConcurrentCallersRespectLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 10, time.Minute)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(ctx, "org-1")
			if err != nil {
				t.Errorf("allow failed: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("expected exactly 10 admitted, got %d", allowed)
	}
}
