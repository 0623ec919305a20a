package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache()
	c.now = clock.Now
	return c, clock
}

func TestMemoryCacheSetNXAndDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "nonce:dev_1:a", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "nonce:dev_1:a", "1", time.Minute)
	if err != nil {
		t.Fatalf("setnx error: %v", err)
	}
	if ok {
		t.Fatal("expected second setnx to fail")
	}
	if err := c.Del(ctx, "nonce:dev_1:a"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	ok, _ = c.SetNX(ctx, "nonce:dev_1:a", "1", time.Minute)
	if !ok {
		t.Fatal("expected setnx after del to succeed")
	}
}

func TestMemoryCacheKeepsEntryUntilTTL(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()

	if ok, _ := c.SetNX(ctx, "k", "1", 5*time.Minute); !ok {
		t.Fatal("expected setnx to succeed")
	}
	clock.Advance(5*time.Minute - time.Millisecond)
	if c.Sweep() != 0 {
		t.Fatal("sweep must not evict before ttl")
	}
	if ok, _ := c.SetNX(ctx, "k", "1", 5*time.Minute); ok {
		t.Fatal("entry forgotten before ttl")
	}
	clock.Advance(time.Millisecond)
	if ok, _ := c.SetNX(ctx, "k", "1", 5*time.Minute); !ok {
		t.Fatal("expected entry to be claimable after ttl")
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, "v", time.Second)
	}
	_ = c.Set(ctx, "long", "v", time.Hour)

	clock.Advance(2 * time.Second)
	if n := c.Sweep(); n != 3 {
		t.Fatalf("expected 3 evictions, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
}

func TestMemoryCacheRunSweeperStops(t *testing.T) {
	c := NewMemoryCache()
	_ = c.Set(context.Background(), "gone", "v", time.Nanosecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, time.Millisecond, zerolog.Nop())
		close(done)
	}()
	deadline := time.After(time.Second)
	for c.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted expired entry")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestMemoryCacheGetDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "otp:alice", "hash", time.Minute)

	got, err := c.GetDel(ctx, "otp:alice")
	if err != nil || got != "hash" {
		t.Fatalf("expected hash, got %q err=%v", got, err)
	}
	if _, err := c.GetDel(ctx, "otp:alice"); !IsCacheMiss(err) {
		t.Fatalf("expected cache miss on second GetDel, got %v", err)
	}
	if _, err := c.Get(ctx, "otp:alice"); !IsCacheMiss(err) {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestMemoryCacheConcurrentSetNX(t *testing.T) {
	c := NewMemoryCache()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(context.Background(), "same", "1", time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRedisCacheMethods(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	var cache Cache = NewRedisCache(client)
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "nonce:dev_1:x", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to succeed, ok=%v err=%v", ok, err)
	}
	if ok, _ := cache.SetNX(ctx, "nonce:dev_1:x", "1", time.Minute); ok {
		t.Fatal("expected duplicate setnx to fail")
	}
	mr.FastForward(time.Minute + time.Second)
	if ok, _ := cache.SetNX(ctx, "nonce:dev_1:x", "1", time.Minute); !ok {
		t.Fatal("expected setnx to succeed after ttl")
	}

	if err := cache.Set(ctx, "otp:bob", "h", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, err := cache.Get(ctx, "otp:bob"); err != nil || got != "h" {
		t.Fatalf("expected h, got %q err=%v", got, err)
	}
	if got, err := cache.GetDel(ctx, "otp:bob"); err != nil || got != "h" {
		t.Fatalf("expected getdel h, got %q err=%v", got, err)
	}
	if _, err := cache.Get(ctx, "otp:bob"); !IsCacheMiss(err) {
		t.Fatalf("expected miss after getdel, got %v", err)
	}
	_ = cache.Set(ctx, "k", "v", time.Minute)
	if err := cache.Del(ctx, "k"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := cache.Get(ctx, "k"); !IsCacheMiss(err) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
