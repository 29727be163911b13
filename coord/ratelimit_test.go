package coord

import (
	"context"
	"testing"
	"time"

	"github.com/r0hmer/relaykit/cache"
	"github.com/r0hmer/relaykit/config"
)

func TestFixedWindowLimit(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newFacade(t), nil)

	for i := 1; i <= 3; i++ {
		res, err := rl.Allow(ctx, "client-1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request #%d rejected, want first 3 allowed", i)
		}
		if want := int64(3 - i); res.Remaining != want {
			t.Fatalf("request #%d remaining = %d, want %d", i, res.Remaining, want)
		}
	}

	res, err := rl.Allow(ctx, "client-1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow #4: %v", err)
	}
	if res.Allowed {
		t.Fatalf("request #4 allowed, want rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("rejected result carries RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestWindowResets(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newFacade(t), nil)

	if res, _ := rl.Allow(ctx, "c", 1, 30*time.Millisecond); !res.Allowed {
		t.Fatalf("first request rejected")
	}
	if res, _ := rl.Allow(ctx, "c", 1, 30*time.Millisecond); res.Allowed {
		t.Fatalf("over-limit request allowed")
	}

	time.Sleep(50 * time.Millisecond)
	if res, _ := rl.Allow(ctx, "c", 1, 30*time.Millisecond); !res.Allowed {
		t.Fatalf("request after window reset rejected")
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newFacade(t), nil)

	if res, _ := rl.Allow(ctx, "a", 1, time.Minute); !res.Allowed {
		t.Fatalf("a #1 rejected")
	}
	if res, _ := rl.Allow(ctx, "a", 1, time.Minute); res.Allowed {
		t.Fatalf("a #2 allowed over limit")
	}
	if res, _ := rl.Allow(ctx, "b", 1, time.Minute); !res.Allowed {
		t.Fatalf("b #1 rejected; counters must be per identifier")
	}
}

func TestFailOpenWhenCacheDegraded(t *testing.T) {
	ctx := context.Background()
	// facade never connected: every operation is skipped
	f, err := cache.New(cache.Options{Store: cache.NewMemory(), Mode: config.Development})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	rl := NewRateLimiter(f, nil)

	res, err := rl.Allow(ctx, "c", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow on degraded cache: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("degraded limiter must fail open")
	}
}
