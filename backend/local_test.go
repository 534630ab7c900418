// Package backend defines the storage-adapter contract and the local adapter.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/cas"
	"github.com/nexi-lab/nexus/cmn"
)

func testLocal(t *testing.T) *Local {
	t.Helper()
	dir := t.TempDir()
	conf := cmn.DefaultConfig().CAS
	store, err := cas.New(dir, conf, nil)
	require.NoError(t, err)
	b, err := NewLocal("local", dir, store, nil)
	require.NoError(t, err)
	return b
}

func TestLocalWriteReadDelete(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	v1, err := b.Write(g, "/a/b.txt", []byte("one"))
	require.NoError(t, err)
	require.Equal(t, cas.ComputeHash([]byte("one")), v1)

	got, err := b.Read(g, "/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	sz, err := b.Size(g, "/a/b.txt")
	require.NoError(t, err)
	require.EqualValues(t, 3, sz)

	// overwrite releases the previous content
	v2, err := b.Write(g, "/a/b.txt", []byte("two"))
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
	_, err = b.ContentRead(g, v1)
	require.ErrorIs(t, err, cmn.ErrNotFound)

	require.NoError(t, b.Delete(g, "/a/b.txt"))
	_, err = b.Read(g, "/a/b.txt")
	require.ErrorIs(t, err, cmn.ErrNotFound)
	_, err = b.ContentRead(g, v2)
	require.ErrorIs(t, err, cmn.ErrNotFound)

	require.ErrorIs(t, b.Delete(g, "/a/b.txt"), cmn.ErrNotFound)
}

func TestLocalRewriteSameContentKeepsOneRef(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	v, err := b.Write(g, "/same.txt", []byte("stable"))
	require.NoError(t, err)
	_, err = b.Write(g, "/same.txt", []byte("stable"))
	require.NoError(t, err)

	rc, err := b.ContentRefCount(g, v)
	require.NoError(t, err)
	require.EqualValues(t, 1, rc)
}

func TestLocalWriteWithVersion(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	// "" expects a fresh create
	v1, err := b.WriteWithVersion(g, "/v.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = b.WriteWithVersion(g, "/v.txt", []byte("v2"), "bogus")
	require.ErrorIs(t, err, cmn.ErrConflict)

	v2, err := b.WriteWithVersion(g, "/v.txt", []byte("v2"), v1)
	require.NoError(t, err)

	// create-expectation on an existing file conflicts
	_, err = b.WriteWithVersion(g, "/v.txt", []byte("v3"), "")
	require.ErrorIs(t, err, cmn.ErrConflict)

	ver, err := b.GetVersion(g, "/v.txt")
	require.NoError(t, err)
	require.Equal(t, v2, ver)
}

func TestLocalDirs(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	require.NoError(t, b.Mkdir(g, "/d1/d2", true, false))
	require.ErrorIs(t, b.Mkdir(g, "/d1/d2", false, false), cmn.ErrAlreadyExists)
	require.NoError(t, b.Mkdir(g, "/d1/d2", false, true))
	require.ErrorIs(t, b.Mkdir(g, "/zz/yy", false, false), cmn.ErrNotFound)

	_, err := b.Write(g, "/d1/d2/f.txt", []byte("x"))
	require.NoError(t, err)

	names, err := b.ListDir(g, "/d1")
	require.NoError(t, err)
	require.Equal(t, []string{"d2"}, names)

	isDir, err := b.IsDirectory(g, "/d1/d2")
	require.NoError(t, err)
	require.True(t, isDir)
	isDir, err = b.IsDirectory(g, "/d1/d2/f.txt")
	require.NoError(t, err)
	require.False(t, isDir)

	// non-recursive rmdir refuses a populated directory
	require.ErrorIs(t, b.Rmdir(g, "/d1/d2", false), cmn.ErrValidation)
	require.NoError(t, b.Rmdir(g, "/d1", true))
	_, err = b.Read(g, "/d1/d2/f.txt")
	require.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestLocalGetFileInfo(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	v, err := b.Write(g, "/info/report.json", []byte(`{"k":1}`))
	require.NoError(t, err)

	md, err := b.GetFileInfo(g, "/info/report.json")
	require.NoError(t, err)
	require.Equal(t, cmn.EntryRegular, md.EntryType)
	require.Equal(t, v, md.ETag)
	require.EqualValues(t, 7, md.Size)
	require.EqualValues(t, 1, md.Version)
	require.NoError(t, md.Validate())

	md, err = b.GetFileInfo(g, "/info")
	require.NoError(t, err)
	require.Equal(t, cmn.EntryDirectory, md.EntryType)
}

func TestLocalMultipart(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	id, err := b.MultipartInit(g, "/big/file.bin", "application/octet-stream", nil)
	require.NoError(t, err)

	t1, err := b.MultipartPart(g, id, 1, []byte("AAAA"))
	require.NoError(t, err)
	t2, err := b.MultipartPart(g, id, 2, []byte("BBBB"))
	require.NoError(t, err)

	version, err := b.MultipartCommit(g, id, []Part{{N: 1, Token: t1}, {N: 2, Token: t2}})
	require.NoError(t, err)
	require.NotEmpty(t, version)

	got, err := b.Read(g, "/big/file.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("AAAABBBB"), got)

	rc, err := b.ContentRefCount(g, version)
	require.NoError(t, err)
	require.EqualValues(t, 1, rc)
}

func TestLocalContentOps(t *testing.T) {
	b := testLocal(t)
	g := context.Background()

	h, err := b.ContentWrite(g, []byte("raw blob"))
	require.NoError(t, err)

	ok, err := b.ContentExists(g, h)
	require.NoError(t, err)
	require.True(t, ok)

	sz, err := b.ContentSize(g, h)
	require.NoError(t, err)
	require.EqualValues(t, 8, sz)

	got, err := b.ContentRead(g, h)
	require.NoError(t, err)
	require.Equal(t, []byte("raw blob"), got)

	require.NoError(t, b.ContentRelease(g, h))
	ok, err = b.ContentExists(g, h)
	require.NoError(t, err)
	require.False(t, ok)
}
