// Package agentreg is the authoritative agent registry.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package agentreg

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/cmn"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Memory, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t)
	rec, err := r.Register("alice,bot1", "alice", "default", "bot one", nil)
	require.NoError(t, err)
	require.Equal(t, StateUnknown, rec.State)
	require.Zero(t, rec.Generation)

	got, err := r.Get("alice,bot1")
	require.NoError(t, err)
	require.Equal(t, rec.AgentID, got.AgentID)

	_, err = r.Register("alice,bot1", "alice", "default", "", nil)
	require.ErrorIs(t, err, cmn.ErrAlreadyExists)

	_, err = r.Get("nobody")
	require.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestGenerationBumpsOnlyOnSessionOpen(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("a1", "owner", "default", "", nil)
	require.NoError(t, err)

	rec, err := r.Transition("a1", StateConnected, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Generation)

	rec, err = r.Transition("a1", StateIdle, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Generation) // unchanged

	rec, err = r.Transition("a1", StateConnected, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Generation) // new session

	rec, err = r.Transition("a1", StateSuspended, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Generation) // unchanged

	rec, err = r.Transition("a1", StateConnected, 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.Generation) // reactivation
}

func TestInvalidTransitions(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("a1", "owner", "default", "", nil)
	require.NoError(t, err)

	// UNKNOWN can only go to CONNECTED
	_, err = r.Transition("a1", StateIdle, 0)
	require.ErrorIs(t, err, cmn.ErrInvalidTransition)
	_, err = r.Transition("a1", StateSuspended, 0)
	require.ErrorIs(t, err, cmn.ErrInvalidTransition)

	_, err = r.Transition("a1", StateConnected, 0)
	require.NoError(t, err)

	// IDLE cannot go straight to SUSPENDED
	_, err = r.Transition("a1", StateIdle, 1)
	require.NoError(t, err)
	_, err = r.Transition("a1", StateSuspended, 1)
	require.ErrorIs(t, err, cmn.ErrInvalidTransition)
}

func TestOptimisticLocking(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("a1", "owner", "default", "", nil)
	require.NoError(t, err)
	_, err = r.Transition("a1", StateConnected, 0)
	require.NoError(t, err)

	// stale expectation is rejected
	_, err = r.Transition("a1", StateIdle, 0)
	require.ErrorIs(t, err, cmn.ErrStaleAgent)

	// two concurrent transitions with the same expected generation:
	// exactly one wins
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		oks      int
		rejected int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Transition("a1", StateIdle, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, oks)
	require.Equal(t, 1, rejected)
}

func TestHeartbeatBufferAndFlush(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("a1", "owner", "default", "", nil)
	require.NoError(t, err)
	_, err = r.Register("a2", "owner", "default", "", nil)
	require.NoError(t, err)

	r.Heartbeat("a1")
	r.Heartbeat("a2")
	r.Heartbeat("a1") // coalesces
	r.Heartbeat("ghost")

	n, err := r.FlushHeartbeats()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, err := r.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastHeartbeat)

	// buffer drained
	n, err = r.FlushHeartbeats()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDetectStale(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("fresh", "owner", "default", "", nil)
	require.NoError(t, err)
	_, err = r.Register("silent", "owner", "default", "", nil)
	require.NoError(t, err)

	r.Heartbeat("fresh")
	_, err = r.FlushHeartbeats()
	require.NoError(t, err)

	stale, err := r.DetectStale(time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "silent", stale[0].AgentID)
}

func TestListByZoneAndUnregister(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("a1", "owner", "zoneA", "", nil)
	require.NoError(t, err)
	_, err = r.Register("a2", "owner", "zoneB", "", nil)
	require.NoError(t, err)
	_, err = r.Transition("a1", StateConnected, 0)
	require.NoError(t, err)

	recs, err := r.ListByZone("zoneA", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = r.ListByZone("zoneA", StateConnected)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = r.ListByZone("zoneA", StateIdle)
	require.NoError(t, err)
	require.Empty(t, recs)

	ok, err := r.Unregister("a1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Unregister("a1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckStaleSession(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register("alice,bot1", "alice", "default", "", nil)
	require.NoError(t, err)
	_, err = r.Transition("alice,bot1", StateConnected, 0)
	require.NoError(t, err)

	ctx := cmn.NewContext(cmn.SubjectAgent, "alice,bot1", "default")
	ctx.SessionGeneration = 1
	require.NoError(t, CheckStaleSession(r, ctx))

	// a new session supersedes generation 1
	_, err = r.Transition("alice,bot1", StateIdle, 1)
	require.NoError(t, err)
	_, err = r.Transition("alice,bot1", StateConnected, 1)
	require.NoError(t, err)

	err = CheckStaleSession(r, ctx)
	require.ErrorIs(t, err, cmn.ErrStaleSession)

	// unknown agent is stale, not NotFound
	ghost := cmn.NewContext(cmn.SubjectAgent, "ghost", "default")
	require.ErrorIs(t, CheckStaleSession(r, ghost), cmn.ErrStaleSession)

	// non-agent subjects and absent registries skip the check
	user := cmn.NewContext(cmn.SubjectUser, "alice", "default")
	require.NoError(t, CheckStaleSession(r, user))
	require.NoError(t, CheckStaleSession(nil, ctx))
}
