// Package readset tracks the resources an operation observed, and indexes
// those observations so that writes can precisely invalidate overlapping
// cached state.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package readset

import (
	"strings"
	"sync"
	"time"
)

// AccessType describes how a resource was observed.
type AccessType string

const (
	AccessContent  AccessType = "content"
	AccessMetadata AccessType = "metadata"
	AccessList     AccessType = "list"
	AccessExists   AccessType = "exists"
)

// ResourceType enumerates the kinds of observed resources.
type ResourceType string

const (
	ResourceFile      ResourceType = "file"
	ResourceDirectory ResourceType = "directory"
	ResourceMetadata  ResourceType = "metadata"
)

type (
	// Entry is a single observation: a resource at a revision.
	Entry struct {
		ResourceType ResourceType `json:"resource_type"`
		ResourceID   string       `json:"resource_id"`
		Revision     uint64       `json:"revision"`
		Access       AccessType   `json:"access_type"`
		Timestamp    time.Time    `json:"timestamp"`
	}

	// ReadSet is the ordered record of everything a single query observed.
	ReadSet struct {
		QueryID string  `json:"query_id"`
		ZoneID  string  `json:"zone_id"`
		Entries []Entry `json:"entries"`

		mu sync.Mutex
	}
)

// New returns an empty read set for the given query and zone.
func New(queryID, zoneID string) *ReadSet {
	return &ReadSet{QueryID: queryID, ZoneID: zoneID}
}

// Record appends an observation.
func (rs *ReadSet) Record(rt ResourceType, id string, revision uint64, access AccessType) {
	rs.mu.Lock()
	rs.Entries = append(rs.Entries, Entry{
		ResourceType: rt,
		ResourceID:   id,
		Revision:     revision,
		Access:       access,
		Timestamp:    time.Now(),
	})
	rs.mu.Unlock()
}

// Len returns the number of recorded entries.
func (rs *ReadSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.Entries)
}

// snapshot returns a copy of the entries for lock-free iteration.
func (rs *ReadSet) snapshot() []Entry {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Entry, len(rs.Entries))
	copy(out, rs.Entries)
	return out
}

// OverlapsWithWrite reports whether a write of path at writeRev invalidates
// this read set. True iff either:
//
//  1. some entry directly read path at a revision older than writeRev, or
//  2. some listing entry covers an ancestor directory of path at a revision
//     older than writeRev.
//
// Rule 2 is evaluated even when rule 1 finds an entry at revision >= writeRev:
// a fresh direct read must not mask an older listing of the parent.
func (rs *ReadSet) OverlapsWithWrite(path string, writeRev uint64) bool {
	for _, e := range rs.snapshot() {
		if e.Revision >= writeRev {
			continue
		}
		if e.ResourceID == path {
			return true
		}
		if e.Access == AccessList && underDir(path, e.ResourceID) {
			return true
		}
	}
	return false
}

func underDir(path, dir string) bool {
	if dir == "/" {
		return path != "/"
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}
