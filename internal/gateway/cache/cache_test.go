package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiresLazily(t *testing.T) {
	c := New[string, int](8, 10*time.Millisecond)
	c.Put("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected fresh hit, got %v %v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestDescriptorCacheBareIndexFindsCanonical(t *testing.T) {
	c := NewDescriptorCache[string](8, time.Minute)
	c.Put("ms1:square", "square", "descriptor-for-square")
	v, ok := c.GetByBare("square")
	if !ok || v != "descriptor-for-square" {
		t.Fatalf("expected bare lookup to hit, got %v %v", v, ok)
	}
}

func TestDescriptorCacheRemoveEvictsBothIndexes(t *testing.T) {
	c := NewDescriptorCache[string](8, time.Minute)
	c.Put("ms1:square", "square", "v")
	c.Remove("ms1:square", "square")
	if _, ok := c.Get("ms1:square"); ok {
		t.Fatal("expected canonical entry evicted")
	}
	if _, ok := c.GetByBare("square"); ok {
		t.Fatal("expected bare index entry evicted alongside canonical")
	}
}

func TestDescriptorCacheBareIndexSkipsExpiredCanonical(t *testing.T) {
	c := NewDescriptorCache[string](8, 10*time.Millisecond)
	c.Put("ms1:square", "square", "v")
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.GetByBare("square"); ok {
		t.Fatal("expected expired canonical entry to miss via bare index too")
	}
}
