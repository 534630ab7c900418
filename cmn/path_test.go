// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/a/b", "/a/b"},
		{"a/b", "/a/b"},
		{"/a//b///c", "/a/b/c"},
		{"/a/b/", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/b/../c", "/a/c"},
		{"/a/b/c/..", "/a/b"},
		{"//", "/"},
	}
	for _, c := range cases {
		got, err := NormalizePath(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)

		// idempotence
		again, err := NormalizePath(got)
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
}

func TestNormalizePathRejects(t *testing.T) {
	for _, bad := range []string{
		"",
		"/..",
		"/./..",
		"/a/..",        // would cross out of the originating namespace
		"/a/../..",
		"/a/b\x00c",
	} {
		_, err := NormalizePath(bad)
		require.ErrorIs(t, err, ErrInvalidPath, "%q", bad)
	}
}

func TestPathHelpers(t *testing.T) {
	require.Equal(t, "workspace", FirstSegment("/workspace/a/b"))
	require.Equal(t, "", FirstSegment("/"))

	require.Equal(t, "/a/b", ParentPath("/a/b/c"))
	require.Equal(t, "/", ParentPath("/a"))
	require.Equal(t, "/", ParentPath("/"))

	require.Equal(t, []string{"/a/b", "/a", "/"}, AncestorChain("/a/b/c"))
	require.Empty(t, AncestorChain("/"))

	require.True(t, IsPathPrefix("/a/b/c", "/a/b"))
	require.True(t, IsPathPrefix("/a/b", "/a/b"))
	require.False(t, IsPathPrefix("/a/bc", "/a/b"))
	require.True(t, IsPathPrefix("/anything", "/"))

	ns, zone, rest, ok := SplitZonePath("/shared/zoneB/data.txt")
	require.True(t, ok)
	require.Equal(t, "shared", ns)
	require.Equal(t, "zoneB", zone)
	require.Equal(t, "data.txt", rest)

	_, _, _, ok = SplitZonePath("/onlyns")
	require.False(t, ok)
}
