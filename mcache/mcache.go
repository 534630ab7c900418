// Package mcache is the read-set-aware metadata cache: a TTL+LRU core with
// Zookie-style stale-insert rejection and precise, read-set-driven
// invalidation on writes.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package mcache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/cmn"
	"github.com/nexi-lab/nexus/readset"
)

type (
	entry struct {
		value   any
		queryID string // "" when cached without a read set
	}

	// Stats are the invalidation counters.
	Stats struct {
		PreciseInvalidations  uint64
		SkippedInvalidations  uint64
		FallbackInvalidations uint64
		StaleInsertRejections uint64
	}

	// Cache wraps an expiring LRU with read-set bookkeeping. Each cached
	// key may carry the read set of the query that produced it; writes
	// evict exactly the overlapping keys, falling back to exact-path
	// matching for keys cached without one.
	//
	// The registry is never called with c.mu held: orphaned query ids are
	// buffered by the eviction hook and unregistered after unlock.
	Cache struct {
		mu          sync.Mutex
		lru         *expirable.LRU[string, *entry]
		registry    *readset.Registry
		keyToQuery  map[string]string
		queryToKeys map[string]map[string]struct{}
		pendingUnreg []string
		stats       Stats
		log         *logrus.Entry
	}
)

// New returns a cache of at most size entries with the given TTL, sharing
// the read-set registry with the rest of the system.
func New(size int, ttl time.Duration, registry *readset.Registry, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Cache{
		registry:    registry,
		keyToQuery:  make(map[string]string),
		queryToKeys: make(map[string]map[string]struct{}),
		log:         log.WithField("module", "mcache"),
	}
	// the eviction callback runs inside LRU mutation, which only ever
	// happens under c.mu
	c.lru = expirable.NewLRU[string, *entry](size, c.onEvictLocked, ttl)
	return c
}

// Put caches value under key. With a read set, the insert is rejected when
// any observed revision is already behind zoneRevision (the value was stale
// the moment it was produced); otherwise the read set is registered for
// precise invalidation. Returns whether the value was stored.
func (c *Cache) Put(key string, value any, rs *readset.ReadSet, zoneRevision uint64) bool {
	if rs != nil {
		for _, e := range rs.Entries {
			if e.Revision < zoneRevision {
				c.mu.Lock()
				c.stats.StaleInsertRejections++
				c.mu.Unlock()
				return false
			}
		}
		// registered before insertion so an immediately following write
		// cannot miss the mapping
		c.registry.Register(rs)
	}
	c.mu.Lock()
	if rs == nil {
		c.lru.Add(key, &entry{value: value})
	} else {
		c.lru.Add(key, &entry{value: value, queryID: rs.QueryID})
		c.keyToQuery[key] = rs.QueryID
		keys, ok := c.queryToKeys[rs.QueryID]
		if !ok {
			keys = make(map[string]struct{})
			c.queryToKeys[rs.QueryID] = keys
		}
		keys[key] = struct{}{}
	}
	pending := c.takePending()
	c.mu.Unlock()
	c.unregister(pending)
	return true
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	pending := c.takePending()
	c.mu.Unlock()
	c.unregister(pending)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Remove evicts a single key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	pending := c.takePending()
	c.mu.Unlock()
	c.unregister(pending)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// InvalidateForWrite evicts exactly the keys whose read sets overlap a
// write of path at newRev; keys cached without a read set fall back to
// exact-path eviction.
func (c *Cache) InvalidateForWrite(path string, newRev uint64, zoneID string) {
	affected := c.registry.GetAffectedQueries(path, newRev, zoneID)
	c.mu.Lock()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if e.queryID == "" {
			if key == path {
				c.lru.Remove(key)
				c.stats.FallbackInvalidations++
			}
			continue
		}
		if _, hit := affected[e.queryID]; hit {
			c.lru.Remove(key)
			c.stats.PreciseInvalidations++
		} else {
			c.stats.SkippedInvalidations++
		}
	}
	pending := c.takePending()
	c.mu.Unlock()
	c.unregister(pending)
}

// InvalidatePathPrefix evicts every key whose embedded path lies beneath
// prefix. Cache keys follow the "<kind>:<path>[?opts]" convention; this is
// the coarse hammer for subtree deletions, where per-path precision cannot
// apply.
func (c *Cache) InvalidatePathPrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for _, key := range c.lru.Keys() {
		if cmn.IsPathPrefix(keyPath(key), prefix) {
			c.lru.Remove(key)
			n++
		}
	}
	pending := c.takePending()
	c.mu.Unlock()
	c.unregister(pending)
	return n
}

// keyPath extracts the path component of a cache key.
func keyPath(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[i+1:]
	}
	if i := strings.IndexByte(key, '?'); i >= 0 {
		key = key[:i]
	}
	return key
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// onEvictLocked is the LRU eviction hook; c.mu is already held by the
// mutating call, so the registry call is deferred.
func (c *Cache) onEvictLocked(key string, e *entry) {
	if e == nil || e.queryID == "" {
		return
	}
	delete(c.keyToQuery, key)
	if keys, ok := c.queryToKeys[e.queryID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.queryToKeys, e.queryID)
			c.pendingUnreg = append(c.pendingUnreg, e.queryID)
		}
	}
}

func (c *Cache) takePending() []string {
	pending := c.pendingUnreg
	c.pendingUnreg = nil
	return pending
}

func (c *Cache) unregister(queryIDs []string) {
	for _, qid := range queryIDs {
		c.registry.Unregister(qid)
	}
}
