// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/nexi-lab/nexus/cmn"
)

func testBolt(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "tiger.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testTiger(t *testing.T) *TigerCache {
	t.Helper()
	db := testBolt(t)
	rm, err := NewResourceMap(db)
	require.NoError(t, err)
	return NewTigerCache(db, rm, 100, time.Minute, nil)
}

func TestResourceMapStability(t *testing.T) {
	db := testBolt(t)
	rm, err := NewResourceMap(db)
	require.NoError(t, err)

	id1, err := rm.GetOrCreate(ObjectFile, "/a.txt", "default")
	require.NoError(t, err)
	id2, err := rm.GetOrCreate(ObjectFile, "/b.txt", "default")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	again, err := rm.GetOrCreate(ObjectFile, "/a.txt", "default")
	require.NoError(t, err)
	require.Equal(t, id1, again)

	res, ok := rm.Resource(id1)
	require.True(t, ok)
	require.Equal(t, Resource{Type: ObjectFile, ID: "/a.txt", Zone: "default"}, res)

	// ids survive a reload from the same db
	rm2, err := NewResourceMap(db)
	require.NoError(t, err)
	got, ok := rm2.Lookup(ObjectFile, "/a.txt", "default")
	require.True(t, ok)
	require.Equal(t, id1, got)

	bulk, err := rm2.BulkGetOrCreate(ObjectFile, "default", []string{"/a.txt", "/c.txt"})
	require.NoError(t, err)
	require.Equal(t, id1, bulk["/a.txt"])
	require.NotZero(t, bulk["/c.txt"])
}

func TestTigerCheckAndWriteThrough(t *testing.T) {
	tc := testTiger(t)
	subj := SubjectRef{Type: "user", ID: "alice"}

	// cold cache: miss, caller falls back to tuples
	_, ok := tc.Check(subj, PermRead, ObjectFile, "/x.txt", "default")
	require.False(t, ok)

	idX, err := tc.ResMap().GetOrCreate(ObjectFile, "/x.txt", "default")
	require.NoError(t, err)
	idY, err := tc.ResMap().GetOrCreate(ObjectFile, "/y.txt", "default")
	require.NoError(t, err)

	require.NoError(t, tc.Update(subj, PermRead, ObjectFile, "default", []uint32{idX}, 7))

	allowed, ok := tc.Check(subj, PermRead, ObjectFile, "/x.txt", "default")
	require.True(t, ok)
	require.True(t, allowed)
	allowed, ok = tc.Check(subj, PermRead, ObjectFile, "/y.txt", "default")
	require.True(t, ok)
	require.False(t, allowed)

	require.NoError(t, tc.Add(subj, PermRead, ObjectFile, "default", idY))
	allowed, ok = tc.Check(subj, PermRead, ObjectFile, "/y.txt", "default")
	require.True(t, ok)
	require.True(t, allowed)

	require.NoError(t, tc.Remove(subj, PermRead, ObjectFile, "default", idX))
	allowed, ok = tc.Check(subj, PermRead, ObjectFile, "/x.txt", "default")
	require.True(t, ok)
	require.False(t, allowed)

	// persisted tier survives a memory flush
	tc.ClearMemory()
	allowed, ok = tc.Check(subj, PermRead, ObjectFile, "/y.txt", "default")
	require.True(t, ok)
	require.True(t, allowed)
}

func TestTigerInvalidateWildcard(t *testing.T) {
	tc := testTiger(t)
	alice := SubjectRef{Type: "user", ID: "alice"}
	bob := SubjectRef{Type: "user", ID: "bob"}

	id, err := tc.ResMap().GetOrCreate(ObjectFile, "/f", "default")
	require.NoError(t, err)
	require.NoError(t, tc.Update(alice, PermRead, ObjectFile, "default", []uint32{id}, 1))
	require.NoError(t, tc.Update(bob, PermRead, ObjectFile, "default", []uint32{id}, 1))

	n, err := tc.Invalidate("user", "alice", "", "", "")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := tc.AccessibleResources(alice, PermRead, ObjectFile, "default")
	require.False(t, ok)
	_, ok = tc.AccessibleResources(bob, PermRead, ObjectFile, "default")
	require.True(t, ok)
}

func TestUpdaterRebuild(t *testing.T) {
	eng, store := testEngine(t)
	tc := testTiger(t)
	eng.SetTigerCache(tc)

	subj := SubjectRef{Type: "user", ID: "gina"}
	_, err := store.WriteTuple(&Tuple{Subject: subj, Relation: RelDirectViewer, Object: fileObj("/proj")})
	require.NoError(t, err)

	for _, p := range []string{"/proj/a.txt", "/proj/b.txt", "/other/c.txt"} {
		_, err := tc.ResMap().GetOrCreate(ObjectFile, p, "default")
		require.NoError(t, err)
	}

	revs := cmn.NewZoneRevisions("default")
	revs.Next("default")

	up, err := NewUpdater(Memory, eng, tc, revs.Current, nil)
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	_, err = up.Enqueue(subj, PermRead, ObjectFile, "default", 5)
	require.NoError(t, err)

	done, err := up.ProcessQueue(10)
	require.NoError(t, err)
	require.Equal(t, 1, done)

	allowed, ok := tc.Check(subj, PermRead, ObjectFile, "/proj/a.txt", "default")
	require.True(t, ok)
	require.True(t, allowed)
	allowed, ok = tc.Check(subj, PermRead, ObjectFile, "/other/c.txt", "default")
	require.True(t, ok)
	require.False(t, allowed)

	rows, err := up.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, QueueCompleted, rows[0].Status)

	// completed rows reap after their age passes
	n, err := up.CleanupCompleted(0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNamespaceVisibility(t *testing.T) {
	nm := NewNamespaceManager()
	bot := cmn.Subject{Type: cmn.SubjectAgent, ID: "bot2"}

	// no grants: nothing is visible
	require.False(t, nm.IsVisible(bot, "/workspace/secret", false))

	require.NoError(t, nm.Grant(bot, "/workspace/open"))
	require.True(t, nm.IsVisible(bot, "/workspace/open", false))
	require.True(t, nm.IsVisible(bot, "/workspace/open/deep/file.txt", false))
	// ancestors stay traversable
	require.True(t, nm.IsVisible(bot, "/workspace", false))
	require.False(t, nm.IsVisible(bot, "/workspace/secret", false))

	// admin bypasses visibility
	require.True(t, nm.IsVisible(bot, "/workspace/secret", true))

	// monotonicity: granting never shrinks the view
	h1 := nm.GrantsHash(bot)
	require.NoError(t, nm.Grant(bot, "/workspace/more"))
	require.NotEqual(t, h1, nm.GrantsHash(bot))
	require.True(t, nm.IsVisible(bot, "/workspace/open", false))
	require.True(t, nm.IsVisible(bot, "/workspace/more", false))

	// revoking never grows it; cached negatives are dropped with the hash
	require.NoError(t, nm.Revoke(bot, "/workspace/more"))
	require.False(t, nm.IsVisible(bot, "/workspace/more/x", false))
	require.True(t, nm.IsVisible(bot, "/workspace/open", false))
}
