// Package mcache is the read-set-aware metadata cache.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package mcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/readset"
)

func testCache(t *testing.T, size int) (*Cache, *readset.Registry) {
	t.Helper()
	reg := readset.NewRegistry()
	return New(size, 300*time.Second, reg, nil), reg
}

func putWithRead(c *Cache, key, qid string, rev uint64) {
	rs := readset.New(qid, "z1")
	rs.Record(readset.ResourceFile, key, rev, readset.AccessContent)
	c.Put(key, "meta:"+key, rs, 0)
}

func TestPutGetWithoutReadSet(t *testing.T) {
	c, reg := testCache(t, 64)
	require.True(t, c.Put("/test.txt", "v", nil, 0))
	v, ok := c.Get("/test.txt")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Zero(t, reg.Len())
}

func TestStaleInsertRejected(t *testing.T) {
	c, reg := testCache(t, 64)
	rs := readset.New("q1", "z1")
	rs.Record(readset.ResourceFile, "/test.txt", 5, readset.AccessContent)

	// zone revision already at 10: the value was stale when produced
	require.False(t, c.Put("/test.txt", "v", rs, 10))
	_, ok := c.Get("/test.txt")
	require.False(t, ok)
	require.EqualValues(t, 1, c.Stats().StaleInsertRejections)
	require.Zero(t, reg.Len())
}

func TestPreciseInvalidation(t *testing.T) {
	c, _ := testCache(t, 64)
	putWithRead(c, "/inbox/a.txt", "q1", 0)
	putWithRead(c, "/inbox/b.txt", "q2", 0)

	c.InvalidateForWrite("/inbox/a.txt", 1, "z1")

	_, ok := c.Get("/inbox/a.txt")
	require.False(t, ok)
	_, ok = c.Get("/inbox/b.txt")
	require.True(t, ok)

	st := c.Stats()
	require.EqualValues(t, 1, st.PreciseInvalidations)
	require.EqualValues(t, 1, st.SkippedInvalidations)
}

func TestListingReadSetInvalidatesOnChildWrite(t *testing.T) {
	c, _ := testCache(t, 64)
	rs := readset.New("q1", "z1")
	rs.Record(readset.ResourceDirectory, "/inbox", 0, readset.AccessList)
	c.Put("/inbox?list", []string{"a.txt"}, rs, 0)

	c.InvalidateForWrite("/inbox/new.txt", 1, "z1")
	_, ok := c.Get("/inbox?list")
	require.False(t, ok)
	require.EqualValues(t, 1, c.Stats().PreciseInvalidations)
}

func TestFallbackExactPathInvalidation(t *testing.T) {
	c, _ := testCache(t, 64)
	require.True(t, c.Put("/plain.txt", "v", nil, 0))
	require.True(t, c.Put("/other.txt", "v", nil, 0))

	c.InvalidateForWrite("/plain.txt", 1, "z1")
	_, ok := c.Get("/plain.txt")
	require.False(t, ok)
	_, ok = c.Get("/other.txt")
	require.True(t, ok)
	require.EqualValues(t, 1, c.Stats().FallbackInvalidations)
}

func TestZoneFilteredInvalidation(t *testing.T) {
	c, _ := testCache(t, 64)
	rsA := readset.New("qa", "zoneA")
	rsA.Record(readset.ResourceFile, "/shared/f.txt", 0, readset.AccessContent)
	c.Put("/shared/f.txt?a", "va", rsA, 0)

	rsB := readset.New("qb", "zoneB")
	rsB.Record(readset.ResourceFile, "/shared/f.txt", 0, readset.AccessContent)
	c.Put("/shared/f.txt?b", "vb", rsB, 0)

	c.InvalidateForWrite("/shared/f.txt", 1, "zoneA")
	_, ok := c.Get("/shared/f.txt?a")
	require.False(t, ok)
	_, ok = c.Get("/shared/f.txt?b")
	require.True(t, ok)
}

func TestEvictionUnregistersReadSet(t *testing.T) {
	c, reg := testCache(t, 4)
	for i := 0; i < 8; i++ {
		putWithRead(c, fmt.Sprintf("/f%d.txt", i), fmt.Sprintf("q%d", i), 0)
	}
	require.LessOrEqual(t, c.Len(), 4)
	// evicted keys took their read sets with them
	require.LessOrEqual(t, reg.Len(), 4)
	require.Nil(t, reg.GetReadSet("q0"))
}
