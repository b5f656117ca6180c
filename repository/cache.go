package repository

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// StateCache is a bounded LRU of running states plus an unbounded "endured"
// set of entries protected from eviction, each with a refcount driven by the
// subscription lifecycle. Eviction only ever touches non-endured entries.
type StateCache struct {
	mu        sync.Mutex
	evictable *lru.Cache[string, *RunningState]
	endured   map[string]*enduredEntry
	onEvict   func(*RunningState)
	// Set while performing an intentional Remove/overflow-free removal so
	// the LRU's eviction hook knows not to fire the completion callback.
	suppress bool
}

type enduredEntry struct {
	state    *RunningState
	refcount int
}

func NewStateCache(limit int, onEvict func(*RunningState)) (*StateCache, error) {
	if limit <= 0 {
		limit = models.DefaultStateCacheLimit
	}
	cache := &StateCache{
		endured: make(map[string]*enduredEntry),
		onEvict: onEvict,
	}
	evictable, err := lru.NewWithEvict[string, *RunningState](limit, func(key string, state *RunningState) {
		if !cache.suppress && cache.onEvict != nil {
			cache.onEvict(state)
		}
	})
	if err != nil {
		return nil, err
	}
	cache.evictable = evictable
	return cache, nil
}

func (c *StateCache) Get(key string) (*RunningState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found := c.endured[key]; found {
		return entry.state, true
	}
	return c.evictable.Get(key)
}

// Set stores an evictable entry. Setting a key that is already endured
// refreshes the value without downgrading its endured status.
func (c *StateCache) Set(key string, state *RunningState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found := c.endured[key]; found {
		entry.state = state
		return
	}
	c.evictable.Add(key, state)
}

// Endure protects an entry from eviction. Repeated calls increment the
// refcount; an already-evictable key is promoted with refcount 1.
func (c *StateCache) Endure(key string, state *RunningState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found := c.endured[key]; found {
		entry.refcount++
		entry.state = state
		return
	}
	c.suppress = true
	c.evictable.Remove(key)
	c.suppress = false
	c.endured[key] = &enduredEntry{state: state, refcount: 1}
}

// Free decrements an endured entry's refcount. On zero the entry moves back
// into the evictable LRU, which may trigger an eviction elsewhere.
func (c *StateCache) Free(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.endured[key]
	if !found {
		return
	}
	entry.refcount--
	if entry.refcount > 0 {
		return
	}
	delete(c.endured, key)
	c.evictable.Add(key, entry.state)
}

// Delete removes an entry from both collections without invoking the
// eviction callback.
func (c *StateCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endured, key)
	c.suppress = true
	c.evictable.Remove(key)
	c.suppress = false
}

// Iterate visits every entry, endured first. Return false to stop.
func (c *StateCache) Iterate(fn func(key string, state *RunningState) bool) {
	c.mu.Lock()
	endured := make(map[string]*RunningState, len(c.endured))
	for key, entry := range c.endured {
		endured[key] = entry.state
	}
	keys := c.evictable.Keys()
	evictable := make(map[string]*RunningState, len(keys))
	for _, key := range keys {
		if state, found := c.evictable.Peek(key); found {
			evictable[key] = state
		}
	}
	c.mu.Unlock()
	for key, state := range endured {
		if !fn(key, state) {
			return
		}
	}
	for key, state := range evictable {
		if !fn(key, state) {
			return
		}
	}
}

func (c *StateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.endured) + c.evictable.Len()
}

func (c *StateCache) EnduredRefcount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found := c.endured[key]; found {
		return entry.refcount
	}
	return 0
}
