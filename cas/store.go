// Package cas implements the content-addressed blob store.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cas

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/nexi-lab/nexus/cmn"
)

const (
	hashHexLen = 64

	metaSuffix = ".meta"
	lockSuffix = ".lock"

	casDirname     = "cas"
	uploadsDirname = "uploads"
	tmpDirname     = "tmp"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	// blobMeta is the sidecar record of a CAS entry. Mutation is
	// single-writer per hash, guarded by the in-process hash lock plus an
	// advisory file lock for cross-process safety.
	blobMeta struct {
		RefCount   int64     `json:"ref_count"`
		IsChunk    bool      `json:"is_chunk"`
		IsManifest bool      `json:"is_manifest"`
		Size       int64     `json:"size"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// Store is the on-disk content-addressed blob store. Content files are
	// immutable and named by their BLAKE3 hash; reads never block writes.
	Store struct {
		root        string // data_dir
		casRoot     string
		uploadsRoot string
		tmpRoot     string
		conf        cmn.CASConf
		bloom       *existFilter
		locks       hashLocks
		log         *logrus.Entry
	}

	hashLocks struct {
		mu sync.Mutex
		m  map[string]*sync.Mutex
	}
)

// ComputeHash returns the canonical 64-hex BLAKE3 digest of data.
func ComputeHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// New opens (creating if needed) a store rooted at dataDir and rebuilds the
// existence filter from the on-disk tree.
func New(dataDir string, conf cmn.CASConf, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		root:        dataDir,
		casRoot:     filepath.Join(dataDir, casDirname),
		uploadsRoot: filepath.Join(dataDir, uploadsDirname),
		tmpRoot:     filepath.Join(dataDir, tmpDirname),
		conf:        conf,
		bloom:       newExistFilter(conf.BloomCapacity, conf.BloomFPRate),
		locks:       hashLocks{m: make(map[string]*sync.Mutex)},
		log:         log.WithField("module", "cas"),
	}
	for _, dir := range []string{s.casRoot, s.uploadsRoot, s.tmpRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "cas init")
		}
	}
	s.bloom.populate(s.casRoot, s.log)
	return s, nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.casRoot, hash[:2], hash[2:4], hash)
}

func (s *Store) metaPath(hash string) string { return s.blobPath(hash) + metaSuffix }
func (s *Store) lockPath(hash string) string { return s.blobPath(hash) + lockSuffix }

// lockHash serializes meta mutation for one hash: in-process mutex first,
// then the advisory file lock for other processes.
func (s *Store) lockHash(hash string) (unlock func(), err error) {
	s.locks.mu.Lock()
	mu, ok := s.locks.m[hash]
	if !ok {
		mu = &sync.Mutex{}
		s.locks.m[hash] = mu
	}
	s.locks.mu.Unlock()
	mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.lockPath(hash)), 0o755); err != nil {
		mu.Unlock()
		return nil, err
	}
	fl := flock.New(s.lockPath(hash))
	if err := fl.Lock(); err != nil {
		mu.Unlock()
		return nil, errors.Wrap(err, "cas lock")
	}
	return func() {
		fl.Unlock() //nolint:errcheck
		mu.Unlock()
	}, nil
}

func (s *Store) readMeta(hash string) (*blobMeta, error) {
	raw, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErrNotFound("cas meta %s", hash)
		}
		return nil, err
	}
	md := &blobMeta{}
	if err := jsonAPI.Unmarshal(raw, md); err != nil {
		return nil, cmn.NewErrIntegrity("cas meta %s: %v", hash, err)
	}
	return md, nil
}

// writeMeta atomically replaces the meta sidecar (temp + rename).
func (s *Store) writeMeta(hash string, md *blobMeta) error {
	raw, err := jsonAPI.Marshal(md)
	if err != nil {
		return err
	}
	tmp := s.metaPath(hash) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(hash))
}

//
// Write
//

// Write stores data and returns its content hash. Existing content is
// deduplicated: the reference count is incremented instead of rewriting.
// Content at or above the chunk threshold is split into content-defined
// chunks, each its own CAS entry, with a manifest blob standing for the
// whole; the manifest's hash is returned.
func (s *Store) Write(ctx context.Context, data []byte) (string, error) {
	if int64(len(data)) >= int64(s.conf.ChunkThreshold) && s.conf.ChunkThreshold > 0 {
		return s.writeChunked(ctx, data)
	}
	hash := ComputeHash(data)
	err := cmn.Retry(ctx, cmn.RetryLocalIO, func() error {
		return s.materialize(hash, data, &blobMeta{Size: int64(len(data))})
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *Store) writeChunked(ctx context.Context, data []byte) (string, error) {
	chunks, err := splitCDC(data, int(s.conf.ChunkTarget))
	if err != nil {
		return "", err
	}
	m := manifest{Size: int64(len(data))}
	distinct := make(map[string]struct{}, len(chunks))
	order := make([]string, 0, len(chunks))
	byHash := make(map[string][]byte, len(chunks))
	for _, c := range chunks {
		h := ComputeHash(c)
		m.Chunks = append(m.Chunks, manifestChunk{Hash: h, Len: int64(len(c))})
		if _, ok := distinct[h]; !ok {
			distinct[h] = struct{}{}
			order = append(order, h)
			byHash[h] = c
		}
	}
	raw, err := jsonAPI.Marshal(&m)
	if err != nil {
		return "", err
	}
	mhash := ComputeHash(raw)

	unlock, err := s.lockHash(mhash)
	if err != nil {
		return "", err
	}
	defer unlock()

	if md, err := s.readMeta(mhash); err == nil {
		// the existing manifest already holds one ref per distinct chunk
		md.RefCount++
		return mhash, s.writeMeta(mhash, md)
	}
	for _, h := range order {
		c := byHash[h]
		err := cmn.Retry(ctx, cmn.RetryLocalIO, func() error {
			return s.materialize(h, c, &blobMeta{IsChunk: true, Size: int64(len(c))})
		})
		if err != nil {
			return "", err
		}
	}
	err = cmn.Retry(ctx, cmn.RetryLocalIO, func() error {
		return s.materializeLocked(mhash, raw, &blobMeta{IsManifest: true, Size: m.Size})
	})
	if err != nil {
		return "", err
	}
	return mhash, nil
}

// materialize writes one blob under its own hash lock.
func (s *Store) materialize(hash string, data []byte, md *blobMeta) error {
	unlock, err := s.lockHash(hash)
	if err != nil {
		return err
	}
	defer unlock()
	return s.materializeLocked(hash, data, md)
}

// materializeLocked performs temp-write + fsync + rename, or bumps the ref
// count when the blob already exists. Caller holds the hash lock.
func (s *Store) materializeLocked(hash string, data []byte, md *blobMeta) error {
	if existing, err := s.readMeta(hash); err == nil {
		existing.RefCount++
		return s.writeMeta(hash, existing)
	}
	final := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpRoot, "put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) } //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return err
	}
	md.RefCount = 1
	md.CreatedAt = time.Now()
	if err := s.writeMeta(hash, md); err != nil {
		return err
	}
	s.bloom.add(hash)
	return nil
}

//
// Read
//

// Read returns the full content addressed by hash, verifying it against the
// hash; manifests are reassembled from their chunks with parallel reads.
func (s *Store) Read(ctx context.Context, hash string) ([]byte, error) {
	md, err := s.readMeta(hash)
	if err != nil {
		return nil, err
	}
	if !md.IsManifest {
		return s.readVerified(ctx, hash)
	}
	m, err := s.loadManifest(ctx, hash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, m.Size)
	offs := make([]int64, len(m.Chunks))
	var pos int64
	for i, c := range m.Chunks {
		offs[i] = pos
		pos += c.Len
	}
	if pos != m.Size {
		return nil, cmn.NewErrIntegrity("manifest %s: chunk lengths sum to %d, size %d", hash, pos, m.Size)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.conf.BatchReadWorkers)
	for i := range m.Chunks {
		i := i
		g.Go(func() error {
			data, err := s.readVerified(gctx, m.Chunks[i].Hash)
			if err != nil {
				return err
			}
			copy(out[offs[i]:], data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// readVerified reads a non-manifest blob and checks its digest.
func (s *Store) readVerified(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := cmn.Retry(ctx, cmn.RetryLocalIO, func() error {
		var err error
		data, err = os.ReadFile(s.blobPath(hash))
		return err
	})
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, cmn.NewErrNotFound("cas blob %s", hash)
		}
		return nil, err
	}
	if got := ComputeHash(data); got != hash {
		return nil, cmn.NewErrIntegrity("cas blob %s: content hashes to %s", hash, got)
	}
	return data, nil
}

func (s *Store) loadManifest(ctx context.Context, hash string) (*manifest, error) {
	raw, err := s.readVerified(ctx, hash)
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	if err := jsonAPI.Unmarshal(raw, m); err != nil {
		return nil, cmn.NewErrIntegrity("manifest %s: %v", hash, err)
	}
	return m, nil
}

// ReadRange streams bytes [start, end] (inclusive) of the content addressed
// by hash. Chunked blobs skip directly to the first covered chunk.
func (s *Store) ReadRange(ctx context.Context, hash string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, cmn.NewErrValidation("range [%d, %d]", start, end)
	}
	md, err := s.readMeta(hash)
	if err != nil {
		return nil, err
	}
	if end >= md.Size {
		return nil, cmn.NewErrValidation("range end %d beyond size %d", end, md.Size)
	}
	if !md.IsManifest {
		f, err := os.Open(s.blobPath(hash))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, cmn.NewErrNotFound("cas blob %s", hash)
			}
			return nil, err
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		return readCloser{io.LimitReader(f, end-start+1), f}, nil
	}
	m, err := s.loadManifest(ctx, hash)
	if err != nil {
		return nil, err
	}
	return s.rangeFromManifest(ctx, m, start, end)
}

func (s *Store) rangeFromManifest(ctx context.Context, m *manifest, start, end int64) (io.ReadCloser, error) {
	idx, within := m.chunkSpan(start)
	var (
		need = end - start + 1
		buf  = make([]byte, 0, need)
	)
	for i := idx; i < len(m.Chunks) && need > 0; i++ {
		data, err := s.readVerified(ctx, m.Chunks[i].Hash)
		if err != nil {
			return nil, err
		}
		part := data[within:]
		if int64(len(part)) > need {
			part = part[:need]
		}
		buf = append(buf, part...)
		need -= int64(len(part))
		within = 0
	}
	if need != 0 {
		return nil, cmn.NewErrIntegrity("range [%d,%d]: short by %d bytes", start, end, need)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

//
// Release / Exists / Size
//

// Release decrements the reference count; at zero the content and meta are
// removed, and a manifest releases each distinct chunk it lists. Releasing
// an absent hash returns NotFound; a decrement below zero is corruption.
func (s *Store) Release(ctx context.Context, hash string) error {
	unlock, err := s.lockHash(hash)
	if err != nil {
		return err
	}
	defer unlock()

	md, err := s.readMeta(hash)
	if err != nil {
		return err
	}
	if md.RefCount <= 0 {
		return cmn.NewErrIntegrity("cas blob %s: ref_count %d at release", hash, md.RefCount)
	}
	md.RefCount--
	if md.RefCount > 0 {
		return s.writeMeta(hash, md)
	}
	var m *manifest
	if md.IsManifest {
		if m, err = s.loadManifest(ctx, hash); err != nil {
			return err
		}
	}
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.metaPath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	os.Remove(s.lockPath(hash)) //nolint:errcheck
	if m != nil {
		seen := make(map[string]struct{}, len(m.Chunks))
		for _, c := range m.Chunks {
			if _, dup := seen[c.Hash]; dup {
				continue
			}
			seen[c.Hash] = struct{}{}
			if err := s.Release(ctx, c.Hash); err != nil && !errors.Is(err, cmn.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// Exists consults the Bloom filter first; a negative is definitive, a
// positive is confirmed with a stat.
func (s *Store) Exists(hash string) (bool, error) {
	if !s.bloom.mightExist(hash) {
		return false, nil
	}
	_, err := os.Stat(s.metaPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Size returns the logical content size (for manifests, the total).
func (s *Store) Size(hash string) (int64, error) {
	md, err := s.readMeta(hash)
	if err != nil {
		return 0, err
	}
	return md.Size, nil
}

// RefCount returns the current reference count.
func (s *Store) RefCount(hash string) (int64, error) {
	md, err := s.readMeta(hash)
	if err != nil {
		return 0, err
	}
	return md.RefCount, nil
}

// BatchRead fetches several blobs with a bounded worker pool; absent hashes
// map to nil rather than failing the batch.
func (s *Store) BatchRead(ctx context.Context, hashes []string) (map[string][]byte, error) {
	var (
		mu  sync.Mutex
		out = make(map[string][]byte, len(hashes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.conf.BatchReadWorkers)
	for _, h := range hashes {
		h := h
		g.Go(func() error {
			data, err := s.Read(gctx, h)
			if err != nil {
				if errors.Is(err, cmn.ErrNotFound) {
					data = nil
				} else {
					return err
				}
			}
			mu.Lock()
			out[h] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

//
// helpers
//

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }
