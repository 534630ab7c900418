// Package readset tracks the resources an operation observed, and indexes
// those observations so that writes can precisely invalidate overlapping
// cached state.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package readset

import (
	"sync"
)

// Registry holds the read sets of live cached queries, indexed by resource
// path and by zone for O(1) write-time invalidation. The registry is bounded
// by its hosting cache: every cache eviction must Unregister the evicted
// entry's query.
type Registry struct {
	mu     sync.RWMutex
	sets   map[string]*ReadSet          // query_id -> read set
	byPath map[string]map[string]struct{} // resource path -> query_ids
	byZone map[string]map[string]struct{} // zone -> query_ids
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sets:   make(map[string]*ReadSet),
		byPath: make(map[string]map[string]struct{}),
		byZone: make(map[string]map[string]struct{}),
	}
}

// Register adds (or replaces) the read set for its query id, updating both
// indices.
func (r *Registry) Register(rs *ReadSet) {
	if rs == nil || rs.QueryID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[rs.QueryID]; ok {
		r.unregisterLocked(rs.QueryID)
	}
	r.sets[rs.QueryID] = rs
	for _, e := range rs.snapshot() {
		qs, ok := r.byPath[e.ResourceID]
		if !ok {
			qs = make(map[string]struct{})
			r.byPath[e.ResourceID] = qs
		}
		qs[rs.QueryID] = struct{}{}
	}
	zs, ok := r.byZone[rs.ZoneID]
	if !ok {
		zs = make(map[string]struct{})
		r.byZone[rs.ZoneID] = zs
	}
	zs[rs.QueryID] = struct{}{}
}

// Unregister drops the query's read set and removes it from both indices.
func (r *Registry) Unregister(queryID string) {
	r.mu.Lock()
	r.unregisterLocked(queryID)
	r.mu.Unlock()
}

func (r *Registry) unregisterLocked(queryID string) {
	rs, ok := r.sets[queryID]
	if !ok {
		return
	}
	delete(r.sets, queryID)
	for _, e := range rs.snapshot() {
		if qs, ok := r.byPath[e.ResourceID]; ok {
			delete(qs, queryID)
			if len(qs) == 0 {
				delete(r.byPath, e.ResourceID)
			}
		}
	}
	if zs, ok := r.byZone[rs.ZoneID]; ok {
		delete(zs, queryID)
		if len(zs) == 0 {
			delete(r.byZone, rs.ZoneID)
		}
	}
}

// GetReadSet returns the registered read set for queryID, or nil.
func (r *Registry) GetReadSet(queryID string) *ReadSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[queryID]
}

// Len returns the number of registered read sets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

// GetAffectedQueries returns the ids of every registered query whose read set
// overlaps a write of path at newRev. With zoneID != "", the result is
// restricted to that zone's queries (a subset of the unfiltered result).
func (r *Registry) GetAffectedQueries(path string, newRev uint64, zoneID string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{})
	// Direct index hit first, then the full scan for ancestor-listing
	// overlap; the scan is bounded by the hosting cache's capacity.
	for qid := range r.byPath[path] {
		r.collectIfAffected(out, qid, path, newRev, zoneID)
	}
	for qid := range r.sets {
		if _, done := out[qid]; done {
			continue
		}
		r.collectIfAffected(out, qid, path, newRev, zoneID)
	}
	return out
}

func (r *Registry) collectIfAffected(out map[string]struct{}, qid, path string, newRev uint64, zoneID string) {
	rs := r.sets[qid]
	if rs == nil {
		return
	}
	if zoneID != "" && rs.ZoneID != zoneID {
		return
	}
	if rs.OverlapsWithWrite(path, newRev) {
		out[qid] = struct{}{}
	}
}

// GetQueriesForZone returns the ids of every query registered under zone.
func (r *Registry) GetQueriesForZone(zone string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.byZone[zone]))
	for qid := range r.byZone[zone] {
		out[qid] = struct{}{}
	}
	return out
}
