// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"sync"

	"github.com/nexi-lab/nexus/cmn"
)

type (
	boundaryKey struct {
		zone     string
		subjType string
		subjID   string
		perm     Permission
		path     string
	}

	// BoundaryCache remembers, per (zone, subject, permission, path), the
	// nearest ancestor that granted the permission. A hit reduces the
	// ancestor walk to one tuple re-verification at the boundary.
	BoundaryCache struct {
		mu      sync.Mutex
		entries map[boundaryKey]string // -> boundary path
		stats   BoundaryStats
	}

	// BoundaryStats counts cache activity.
	BoundaryStats struct {
		Hits        uint64
		Misses      uint64
		Evictions   uint64
		ChainEvicts uint64
	}
)

// NewBoundaryCache returns an empty boundary cache.
func NewBoundaryCache() *BoundaryCache {
	return &BoundaryCache{entries: make(map[boundaryKey]string)}
}

// Get returns the cached boundary for the lookup key.
func (c *BoundaryCache) Get(zone string, subj SubjectRef, perm Permission, path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[boundaryKey{zone, subj.Type, subj.ID, perm, path}]
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return b, ok
}

// Put records the granting boundary for path.
func (c *BoundaryCache) Put(zone string, subj SubjectRef, perm Permission, path, boundary string) {
	c.mu.Lock()
	c.entries[boundaryKey{zone, subj.Type, subj.ID, perm, path}] = boundary
	c.mu.Unlock()
}

// Evict drops a single entry.
func (c *BoundaryCache) Evict(zone string, subj SubjectRef, perm Permission, path string) {
	c.mu.Lock()
	delete(c.entries, boundaryKey{zone, subj.Type, subj.ID, perm, path})
	c.stats.Evictions++
	c.mu.Unlock()
}

// InvalidateChain evicts every entry whose boundary lies on the ancestor
// chain of changed (the path a tuple was written or deleted at). Both a
// grant appearing beneath an entry's boundary and the boundary's own grant
// disappearing are covered.
func (c *BoundaryCache) InvalidateChain(changed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, boundary := range c.entries {
		if cmn.IsPathPrefix(changed, boundary) || cmn.IsPathPrefix(k.path, changed) {
			delete(c.entries, k)
			c.stats.ChainEvicts++
		}
	}
}

// Clear empties the cache.
func (c *BoundaryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[boundaryKey]string)
	c.mu.Unlock()
}

// Len returns the number of cached boundaries.
func (c *BoundaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the counters.
func (c *BoundaryCache) Stats() BoundaryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the counters.
func (c *BoundaryCache) ResetStats() {
	c.mu.Lock()
	c.stats = BoundaryStats{}
	c.mu.Unlock()
}

// Contains reports whether an entry exists for the exact lookup key without
// touching the hit/miss counters.
func (c *BoundaryCache) Contains(zone string, subj SubjectRef, perm Permission, path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[boundaryKey{zone, subj.Type, subj.ID, perm, path}]
	return b, ok
}
