// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"sync"
	"sync/atomic"
)

// ZoneRevisions maintains one monotonic revision counter per zone. Every
// write within a zone increments its counter; concurrent increments yield
// distinct, contiguous values.
type ZoneRevisions struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewZoneRevisions returns counters for the listed zones; unlisted zones are
// created on first use.
func NewZoneRevisions(zones ...string) *ZoneRevisions {
	zr := &ZoneRevisions{counters: make(map[string]*atomic.Uint64, len(zones))}
	for _, z := range zones {
		zr.counters[z] = &atomic.Uint64{}
	}
	return zr
}

func (zr *ZoneRevisions) counter(zone string) *atomic.Uint64 {
	zr.mu.Lock()
	defer zr.mu.Unlock()
	c, ok := zr.counters[zone]
	if !ok {
		c = &atomic.Uint64{}
		zr.counters[zone] = c
	}
	return c
}

// Next atomically increments and returns the zone's revision.
func (zr *ZoneRevisions) Next(zone string) uint64 { return zr.counter(zone).Add(1) }

// Current returns the zone's revision without incrementing.
func (zr *ZoneRevisions) Current(zone string) uint64 { return zr.counter(zone).Load() }
