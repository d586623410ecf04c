package cqcorex

import "sync"

// cqResultKeyCache tracks the entry keys currently known to satisfy a CQ's
// predicate, so old-value membership can be answered without re-running the
// query. Destroyed keys are kept as tombstones until the destroy has been
// routed: deliveries can arrive out of order relative to the destroy.
type cqResultKeyCache struct {
	lock        sync.Mutex
	initialized bool
	keys        map[string]struct{}
	destroyed   map[string]struct{}
}

func newCqResultKeyCache() *cqResultKeyCache {
	return &cqResultKeyCache{
		keys:      make(map[string]struct{}),
		destroyed: make(map[string]struct{}),
	}
}

// MarkInitialized flips the cache live. Until then membership answers are
// unreliable and callers fall back to full predicate evaluation.
func (c *cqResultKeyCache) MarkInitialized() {
	c.lock.Lock()
	c.initialized = true
	c.lock.Unlock()
}

func (c *cqResultKeyCache) IsInitialized() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.initialized
}

func (c *cqResultKeyCache) Add(key string) {
	c.lock.Lock()
	c.keys[key] = struct{}{}
	delete(c.destroyed, key)
	c.lock.Unlock()
}

// MarkDestroyed records a tombstone for the key without removing it, so a
// late arriving event for the key still sees prior membership.
func (c *cqResultKeyCache) MarkDestroyed(key string) {
	c.lock.Lock()
	if _, ok := c.keys[key]; ok {
		c.destroyed[key] = struct{}{}
	}
	c.lock.Unlock()
}

// RemoveDestroyed purges a tombstoned key once its destroy has been routed.
func (c *cqResultKeyCache) RemoveDestroyed(key string) {
	c.lock.Lock()
	if _, ok := c.destroyed[key]; ok {
		delete(c.destroyed, key)
		delete(c.keys, key)
	}
	c.lock.Unlock()
}

// Contains reports current membership: the key is in the result set and not
// tombstoned.
func (c *cqResultKeyCache) Contains(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, dead := c.destroyed[key]; dead {
		return false
	}
	_, ok := c.keys[key]
	return ok
}

func (c *cqResultKeyCache) Size() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.keys)
}

// Clear drops all cached keys and tombstones and resets the initialized
// flag. Called when a CQ stops or closes.
func (c *cqResultKeyCache) Clear() {
	c.lock.Lock()
	c.initialized = false
	c.keys = make(map[string]struct{})
	c.destroyed = make(map[string]struct{})
	c.lock.Unlock()
}
