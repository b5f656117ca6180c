package repository

import (
	"fmt"
	"testing"
)

func cachedState(id string) *RunningState {
	return NewRunningState(testState(id), false)
}

func TestEvictionOnlyOverLimit(t *testing.T) {
	evicted := make([]string, 0)
	cache, err := NewStateCache(2, func(state *RunningState) {
		evicted = append(evicted, state.State().Tip())
	})
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}
	cache.Set("a", cachedState("a"))
	cache.Set("b", cachedState("b"))
	if len(evicted) != 0 {
		t.Fatalf("no eviction expected at the limit, got %v", evicted)
	}
	cache.Set("c", cachedState("c"))
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("expected lru entry a evicted, got %v", evicted)
	}
}

func TestEndureProtectsFromEviction(t *testing.T) {
	evicted := make([]string, 0)
	cache, err := NewStateCache(1, func(state *RunningState) {
		evicted = append(evicted, state.State().Tip())
	})
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}
	stateA := cachedState("a")
	cache.Set("a", stateA)
	cache.Endure("a", stateA)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("other-%d", i)
		cache.Set(key, cachedState(key))
	}
	if _, found := cache.Get("a"); !found {
		t.Fatalf("endured entry must survive cache pressure")
	}
	for _, tip := range evicted {
		if tip == "a" {
			t.Fatalf("endured entry was evicted")
		}
	}
}

func TestEndureRefcounting(t *testing.T) {
	cache, err := NewStateCache(1, func(state *RunningState) {})
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}
	stateA := cachedState("a")
	cache.Endure("a", stateA)
	cache.Endure("a", stateA)
	if refs := cache.EnduredRefcount("a"); refs != 2 {
		t.Fatalf("expected refcount 2, got %d", refs)
	}
	cache.Free("a")
	if refs := cache.EnduredRefcount("a"); refs != 1 {
		t.Fatalf("expected refcount 1 after one free, got %d", refs)
	}
	cache.Free("a")
	if refs := cache.EnduredRefcount("a"); refs != 0 {
		t.Fatalf("expected entry back in lru after final free, got refcount %d", refs)
	}
	// Still retrievable, but now evictable.
	if _, found := cache.Get("a"); !found {
		t.Errorf("freed entry should remain cached until evicted")
	}
}

func TestSetDoesNotDowngradeEndured(t *testing.T) {
	cache, err := NewStateCache(1, func(state *RunningState) {})
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}
	stateA := cachedState("a")
	cache.Endure("a", stateA)
	refreshed := cachedState("a")
	cache.Set("a", refreshed)
	if refs := cache.EnduredRefcount("a"); refs != 1 {
		t.Errorf("set must not downgrade endured status, refcount %d", refs)
	}
	if got, _ := cache.Get("a"); got != refreshed {
		t.Errorf("set should refresh the endured value")
	}
}

func TestDeleteSkipsCallback(t *testing.T) {
	evicted := 0
	cache, err := NewStateCache(2, func(state *RunningState) {
		evicted++
	})
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}
	cache.Set("a", cachedState("a"))
	cache.Delete("a")
	if evicted != 0 {
		t.Errorf("delete must not invoke the eviction callback")
	}
	if _, found := cache.Get("a"); found {
		t.Errorf("deleted entry should be gone")
	}
}
