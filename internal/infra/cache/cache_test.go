package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/upi-ledger-go/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Stop()

	c.Set("9999999999.1@rev", "9999999999")
	val, ok := c.Get("9999999999.1@rev")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "9999999999" {
		t.Errorf("expected '9999999999', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Stop()

	_, ok := c.Get("nonexistent")
	if ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Stop()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	_, ok := c.Get("key1")
	if ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_JanitorEvicts(t *testing.T) {
	c := cache.New[string](20 * time.Millisecond)
	defer c.Stop()

	c.Set("key1", "value1")
	deadline := time.Now().Add(time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("expected janitor to evict expired entry, have %d entries", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Stop()

	c.Set("key1", "value1")
	c.Delete("key1")

	_, ok := c.Get("key1")
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := cache.New[int](time.Minute)
	c.Stop()
	c.Stop()

	c.Set("k", 1)
	if v, ok := c.Get("k"); !ok || v != 1 {
		t.Fatalf("expected cache to stay usable after Stop, got %d %v", v, ok)
	}
}
