// Package stats registers and tracks operation counters, exported through
// prometheus.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counter names follow the "*.n" convention.
const (
	ReadCount     = "read.n"
	WriteCount    = "write.n"
	DeleteCount   = "delete.n"
	ListCount     = "list.n"
	ErrCount      = "err.n"
	ErrDeniedCnt  = "err.denied.n"
	CacheHitCount = "cache.hit.n"
	CacheMissCnt  = "cache.miss.n"

	InvPreciseCount  = "cache.inv.precise.n"
	InvSkippedCount  = "cache.inv.skipped.n"
	InvFallbackCount = "cache.inv.fallback.n"
	PutStaleCount    = "cache.put.stale.n"

	CASWriteCount = "cas.write.n"
	CASDedupCount = "cas.dedup.n"
	StaleSessCnt  = "sess.stale.n"
)

// Tracker is a named-counter registry bridging to prometheus.
type Tracker struct {
	counters map[string]prometheus.Counter
	reg      *prometheus.Registry
}

// New builds a tracker exposing every known counter under the nexus
// namespace.
func New() *Tracker {
	t := &Tracker{
		counters: make(map[string]prometheus.Counter),
		reg:      prometheus.NewRegistry(),
	}
	for _, name := range []string{
		ReadCount, WriteCount, DeleteCount, ListCount, ErrCount, ErrDeniedCnt,
		CacheHitCount, CacheMissCnt,
		InvPreciseCount, InvSkippedCount, InvFallbackCount, PutStaleCount,
		CASWriteCount, CASDedupCount, StaleSessCnt,
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      sanitize(name),
			Help:      name,
		})
		t.counters[name] = c
		t.reg.MustRegister(c)
	}
	return t
}

// Add increments a named counter; unknown names are ignored.
func (t *Tracker) Add(name string, delta float64) {
	if t == nil {
		return
	}
	if c, ok := t.counters[name]; ok {
		c.Add(delta)
	}
}

// Inc is Add(name, 1).
func (t *Tracker) Inc(name string) { t.Add(name, 1) }

// Registry exposes the prometheus registry for the /metrics handler.
func (t *Tracker) Registry() *prometheus.Registry { return t.reg }

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
