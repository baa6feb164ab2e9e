package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elizatown/town/internal/platform/id"
	"github.com/redis/go-redis/v9"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPairKeyIsUnordered(t *testing.T) {
	if PairKey("a", "b") != PairKey("b", "a") {
		t.Fatal("pair key should not depend on direction")
	}
	if got := PairKey("", "house"); got != "anon|house" {
		t.Fatalf("anonymous pair key = %q", got)
	}
	if PairKey("", "house") != PairKey("  ", "house") {
		t.Fatal("blank senders should share the anonymous bucket")
	}
}

func TestMemoryQuotaBoundary(t *testing.T) {
	c := &clock{now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemory(Config{Quota: 20, Window: time.Hour}, c.Now)
	key := PairKey("sender", "receiver")

	for i := 0; i < 20; i++ {
		d, err := l.Allow(context.Background(), key)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("send %d rejected, want allowed", i+1)
		}
	}
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("allow 21: %v", err)
	}
	if d.Allowed {
		t.Fatal("21st send allowed, want rejected")
	}
	if d.RetryAfter != time.Hour {
		t.Fatalf("retry after = %s, want 1h", d.RetryAfter)
	}

	other, _ := l.Allow(context.Background(), PairKey("sender", "someone-else"))
	if !other.Allowed {
		t.Fatal("other pairs have their own quota")
	}
}

func TestMemoryWindowRolls(t *testing.T) {
	c := &clock{now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemory(Config{Quota: 2, Window: time.Minute}, c.Now)
	key := PairKey("", "receiver")

	l.Allow(context.Background(), key)
	c.Advance(30 * time.Second)
	l.Allow(context.Background(), key)
	if d, _ := l.Allow(context.Background(), key); d.Allowed {
		t.Fatal("third send inside window should be rejected")
	}

	c.Advance(31 * time.Second)
	d, _ := l.Allow(context.Background(), key)
	if !d.Allowed {
		t.Fatal("oldest event left the window, send should be allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
}

func TestMemoryConcurrentAllowDoesNotUndercount(t *testing.T) {
	l := NewMemory(Config{Quota: 20, Window: time.Hour}, nil)
	key := PairKey("a", "b")

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), key)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 20 {
		t.Fatalf("allowed = %d, want 20", got)
	}
}

func TestRedisQuotaBoundary(t *testing.T) {
	addr := os.Getenv("TOWN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOWN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix, err := id.NewPrefixed("test")
	if err != nil {
		t.Fatalf("prefix: %v", err)
	}
	l := NewRedis(client, Config{Quota: 3, Window: time.Minute}, prefix+":")
	key := PairKey("a", "b")
	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), key)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("send %d rejected", i+1)
		}
	}
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("allow 4: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th send allowed, want rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry after = %s", d.RetryAfter)
	}
}
