// Package cas implements the content-addressed blob store.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cas

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/cmn"
)

func testStore(t *testing.T, conf cmn.CASConf) *Store {
	t.Helper()
	if conf.BloomCapacity == 0 {
		conf.BloomCapacity = 1000
		conf.BloomFPRate = 0.01
	}
	if conf.BatchReadWorkers == 0 {
		conf.BatchReadWorkers = 4
	}
	s, err := New(t.TempDir(), conf, nil)
	require.NoError(t, err)
	return s
}

func randBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	for _, payload := range [][]byte{
		[]byte("hello world"),
		{},
		randBytes(4096, 1),
	} {
		hash, err := s.Write(ctx, payload)
		require.NoError(t, err)
		require.Len(t, hash, 64)

		got, err := s.Read(ctx, hash)
		require.NoError(t, err)
		require.Equal(t, payload, append([]byte{}, got...))
	}
}

func TestDedupRefCountLifecycle(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()
	payload := []byte("hello world")

	h1, err := s.Write(ctx, payload)
	require.NoError(t, err)
	h2, err := s.Write(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	rc, err := s.RefCount(h1)
	require.NoError(t, err)
	require.EqualValues(t, 2, rc)

	require.NoError(t, s.Release(ctx, h1))
	got, err := s.Read(ctx, h1)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, s.Release(ctx, h1))
	ok, err := s.Exists(h1)
	require.NoError(t, err)
	require.False(t, ok)

	err = s.Release(ctx, h1)
	require.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestChunkedRoundtripAndRange(t *testing.T) {
	// threshold low enough to force the chunked path without writing 16MiB
	s := testStore(t, cmn.CASConf{ChunkThreshold: 256 << 10, ChunkTarget: 64 << 10})
	ctx := context.Background()
	payload := randBytes(1<<20+12345, 42)

	hash, err := s.Write(ctx, payload)
	require.NoError(t, err)

	md, err := s.readMeta(hash)
	require.NoError(t, err)
	require.True(t, md.IsManifest)
	require.EqualValues(t, len(payload), md.Size)

	got, err := s.Read(ctx, hash)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))

	for _, span := range [][2]int64{
		{0, 99},
		{500_000, 500_099},
		{int64(len(payload)) - 10, int64(len(payload)) - 1},
	} {
		rc, err := s.ReadRange(ctx, hash, span[0], span[1])
		require.NoError(t, err)
		slice, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, payload[span[0]:span[1]+1], slice)
	}

	sz, err := s.Size(hash)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), sz)
}

func TestChunkedDedupReleasesCleanly(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 128 << 10, ChunkTarget: 32 << 10})
	ctx := context.Background()
	payload := randBytes(512<<10, 7)

	h1, err := s.Write(ctx, payload)
	require.NoError(t, err)
	h2, err := s.Write(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	rc, err := s.RefCount(h1)
	require.NoError(t, err)
	require.EqualValues(t, 2, rc)

	require.NoError(t, s.Release(ctx, h1))
	require.NoError(t, s.Release(ctx, h1))

	ok, err := s.Exists(h1)
	require.NoError(t, err)
	require.False(t, ok)

	// every chunk must be gone with the second manifest release
	entries, err := os.ReadDir(s.casRoot)
	require.NoError(t, err)
	for _, e := range entries {
		sub, err := os.ReadDir(s.casRoot + "/" + e.Name())
		require.NoError(t, err)
		for _, ee := range sub {
			files, err := os.ReadDir(s.casRoot + "/" + e.Name() + "/" + ee.Name())
			require.NoError(t, err)
			for _, f := range files {
				require.Contains(t, f.Name(), ".lock", "unexpected survivor %s", f.Name())
			}
		}
	}
}

func TestRangeOnPlainBlob(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()
	payload := []byte("0123456789abcdef")

	hash, err := s.Write(ctx, payload)
	require.NoError(t, err)

	rc, err := s.ReadRange(ctx, hash, 4, 9)
	require.NoError(t, err)
	slice, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("456789"), slice)

	_, err = s.ReadRange(ctx, hash, 4, 100)
	require.ErrorIs(t, err, cmn.ErrValidation)
}

func TestBloomSoundness(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		hash, err := s.Write(ctx, randBytes(128, int64(i)))
		require.NoError(t, err)
		require.True(t, s.bloom.mightExist(hash))
	}
}

func TestBloomRebuildOnRestart(t *testing.T) {
	dir := t.TempDir()
	conf := cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16, BloomCapacity: 1000, BloomFPRate: 0.01, BatchReadWorkers: 4}
	s, err := New(dir, conf, nil)
	require.NoError(t, err)
	hash, err := s.Write(context.Background(), []byte("survives restart"))
	require.NoError(t, err)

	s2, err := New(dir, conf, nil)
	require.NoError(t, err)
	require.True(t, s2.bloom.mightExist(hash))
	ok, err := s2.Exists(hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIntegrityErrorOnCorruption(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	hash, err := s.Write(ctx, []byte("to be corrupted"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.blobPath(hash), []byte("tampered content"), 0o644))

	_, err = s.Read(ctx, hash)
	require.ErrorIs(t, err, cmn.ErrIntegrity)
}

func TestBatchRead(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	h1, err := s.Write(ctx, []byte("one"))
	require.NoError(t, err)
	h2, err := s.Write(ctx, []byte("two"))
	require.NoError(t, err)
	missing := ComputeHash([]byte("never written"))

	out, err := s.BatchRead(ctx, []string{h1, h2, missing})
	require.NoError(t, err)
	require.Equal(t, []byte("one"), out[h1])
	require.Equal(t, []byte("two"), out[h2])
	require.Nil(t, out[missing])
}

func TestMultipart(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	id, err := s.MultipartBegin("/inbox/big.bin", "application/octet-stream", map[string]string{"origin": "test"})
	require.NoError(t, err)

	t1, err := s.MultipartPart(id, 1, []byte("part-one|"))
	require.NoError(t, err)
	t2, err := s.MultipartPart(id, 2, []byte("part-two"))
	require.NoError(t, err)

	hash, err := s.MultipartCommit(ctx, id, []Part{{N: 2, Token: t2}, {N: 1, Token: t1}})
	require.NoError(t, err)

	got, err := s.Read(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, []byte("part-one|part-two"), got)

	// staging is gone; commit against the same id now fails
	_, err = s.MultipartCommit(ctx, id, []Part{{N: 1}})
	require.ErrorIs(t, err, cmn.ErrNotFound)

	// abort of an unknown id is a no-op
	require.NoError(t, s.MultipartAbort("no-such-upload"))
}

func TestZeroLengthWellKnownHash(t *testing.T) {
	s := testStore(t, cmn.CASConf{ChunkThreshold: 1 << 20, ChunkTarget: 1 << 16})
	ctx := context.Background()

	h1, err := s.Write(ctx, nil)
	require.NoError(t, err)
	h2, err := s.Write(ctx, []byte{})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, ComputeHash(nil), h1)
}
