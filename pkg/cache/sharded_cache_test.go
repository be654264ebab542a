package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewShardedTTLCache(time.Minute)
	c.Set("k", 42)

	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("get = (%v, %v), want (42, true)", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key reported a hit")
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	c := NewShardedTTLCache(10 * time.Millisecond)
	c.Set("k", "v")
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry reported a hit")
	}
	// The row still counts until cleanup removes it.
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1 before cleanup", c.Len())
	}
	if removed := c.Cleanup(); removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d after cleanup, want 0", c.Len())
	}
}

func TestInvalidate(t *testing.T) {
	c := NewShardedTTLCache(time.Minute)
	c.Set("k", 1)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("invalidated key reported a hit")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewShardedTTLCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", n, j)
				c.Set(key, j)
				if v, ok := c.Get(key); !ok || v.(int) != j {
					t.Errorf("get %s = (%v, %v)", key, v, ok)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 1600 {
		t.Fatalf("len = %d, want 1600", c.Len())
	}
}
