package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("ClaimOnce", func(t *testing.T) {
		ok, err := cache.Claim(ctx, "stripe", "ch_1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		ok, _ = cache.Claim(ctx, "stripe", "ch_1", time.Minute)
		if ok {
			t.Error("second claim must fail")
		}
	})

	t.Run("NamespacesAreIndependent", func(t *testing.T) {
		ok, _ := cache.Claim(ctx, "paypal", "ch_1", time.Minute)
		if !ok {
			t.Error("same key in another namespace should be claimable")
		}
	})

	t.Run("Release", func(t *testing.T) {
		_, _ = cache.Claim(ctx, "api", "tx-9", time.Minute)
		if err := cache.Release(ctx, "api", "tx-9"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		ok, _ := cache.Claim(ctx, "api", "tx-9", time.Minute)
		if !ok {
			t.Error("expected claim after release")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c := NewLRUCache(10)
		now := time.Now()
		c.now = func() time.Time { return now }

		_, _ = c.Claim(ctx, "api", "tx-1", time.Second)
		now = now.Add(2 * time.Second)
		ok, _ := c.Claim(ctx, "api", "tx-1", time.Second)
		if !ok {
			t.Error("expired claim should be claimable again")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := cache.IncrementCounter(ctx, "velocity", "user-1", time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if n != i {
				t.Errorf("expected %d, got %d", i, n)
			}
		}
	})

	t.Run("CounterWindowResets", func(t *testing.T) {
		c := NewLRUCache(10)
		now := time.Now()
		c.now = func() time.Time { return now }

		c.IncrementCounter(ctx, "velocity", "u", time.Minute)
		c.IncrementCounter(ctx, "velocity", "u", time.Minute)
		now = now.Add(time.Minute)
		n, _ := c.IncrementCounter(ctx, "velocity", "u", time.Minute)
		if n != 1 {
			t.Errorf("expected new window to start at 1, got %d", n)
		}
	})

	t.Run("DecrementCounter", func(t *testing.T) {
		c := NewLRUCache(10)
		c.IncrementCounter(ctx, "velocity", "u", time.Minute)
		c.IncrementCounter(ctx, "velocity", "u", time.Minute)
		if err := c.DecrementCounter(ctx, "velocity", "u"); err != nil {
			t.Fatal(err)
		}
		if n, _ := c.IncrementCounter(ctx, "velocity", "u", time.Minute); n != 2 {
			t.Errorf("expected 2 after one decrement, got %d", n)
		}

		// Missing counters are not created.
		_ = c.DecrementCounter(ctx, "velocity", "other")
		if n, _ := c.IncrementCounter(ctx, "velocity", "other", time.Minute); n != 1 {
			t.Errorf("expected fresh counter to start at 1, got %d", n)
		}
	})

	t.Run("Eviction", func(t *testing.T) {
		c := NewLRUCache(3)
		for _, k := range []string{"a", "b", "c", "d"} {
			c.Claim(ctx, "api", k, time.Minute)
		}
		size, capacity := c.Stats()
		if size != 3 || capacity != 3 {
			t.Errorf("expected 3/3, got %d/%d", size, capacity)
		}
		// Oldest key was evicted and can be claimed again.
		if ok, _ := c.Claim(ctx, "api", "a", time.Minute); !ok {
			t.Error("expected evicted key to be claimable")
		}
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		c := NewLRUCache(100)
		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := c.Claim(ctx, "stripe", "evt_1", time.Minute); ok {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		if winners.Load() != 1 {
			t.Errorf("expected exactly one winner, got %d", winners.Load())
		}
	})
}

// flakyRemote is an L2 stand-in for two-phase tests.
type flakyRemote struct {
	*LRUCache
	fail bool
}

func (f *flakyRemote) Claim(ctx context.Context, ns, key string, ttl time.Duration) (bool, error) {
	if f.fail {
		return false, errors.New("redis down")
	}
	return f.LRUCache.Claim(ctx, ns, key, ttl)
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("RemoteIsAuthoritative", func(t *testing.T) {
		shared := NewLRUCache(100)
		nodeA := NewTwoPhaseCache(NewLRUCache(10), &flakyRemote{LRUCache: shared}, time.Minute)
		nodeB := NewTwoPhaseCache(NewLRUCache(10), &flakyRemote{LRUCache: shared}, time.Minute)

		if ok, _ := nodeA.Claim(ctx, "stripe", "ch_1", time.Hour); !ok {
			t.Fatal("node A should win the claim")
		}
		if ok, _ := nodeB.Claim(ctx, "stripe", "ch_1", time.Hour); ok {
			t.Error("node B must see node A's claim")
		}
		if ok, _ := nodeA.Claim(ctx, "stripe", "ch_1", time.Hour); ok {
			t.Error("repeat claim on node A must fail from L1")
		}
	})

	t.Run("RemoteErrorUndoesLocalClaim", func(t *testing.T) {
		remote := &flakyRemote{LRUCache: NewLRUCache(10), fail: true}
		c := NewTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

		if _, err := c.Claim(ctx, "api", "tx-1", time.Hour); err == nil {
			t.Fatal("expected remote error")
		}
		remote.fail = false
		if ok, _ := c.Claim(ctx, "api", "tx-1", time.Hour); !ok {
			t.Error("claim should succeed once remote recovers")
		}
	})

	t.Run("ReleaseBothTiers", func(t *testing.T) {
		c := NewTwoPhaseCache(NewLRUCache(10), &flakyRemote{LRUCache: NewLRUCache(10)}, time.Minute)
		c.Claim(ctx, "api", "tx-2", time.Hour)
		if err := c.Release(ctx, "api", "tx-2"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := c.Claim(ctx, "api", "tx-2", time.Hour); !ok {
			t.Error("expected claim after release")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("failed to create memory cache: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported cache type")
		}
	})
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	c, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	key := "test-" + time.Now().Format("150405.000000")
	defer c.Release(ctx, "test", key)

	if ok, err := c.Claim(ctx, "test", key, time.Minute); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.Claim(ctx, "test", key, time.Minute); ok {
		t.Error("second claim must fail")
	}

	n1, _ := c.IncrementCounter(ctx, "test", key, time.Minute)
	n2, _ := c.IncrementCounter(ctx, "test", key, time.Minute)
	if n2 != n1+1 {
		t.Errorf("counter did not increment: %d then %d", n1, n2)
	}
	if err := c.DecrementCounter(ctx, "test", key); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if n3, _ := c.IncrementCounter(ctx, "test", key, time.Minute); n3 != n2 {
		t.Errorf("expected %d after decrement, got %d", n2, n3)
	}
}
