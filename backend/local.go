// Package backend defines the storage-adapter contract and the local adapter.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package backend

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/cas"
	"github.com/nexi-lab/nexus/cmn"
)

const dirsDirname = "dirs"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	// inode is the per-file record persisted under dirs/; content bytes
	// live in the CAS, addressed by ContentHash.
	inode struct {
		ContentHash string    `json:"content_hash"`
		Size        int64     `json:"size"`
		Version     uint64    `json:"version"`
		MimeType    string    `json:"mime_type,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
		ModifiedAt  time.Time `json:"modified_at"`
	}

	// Local stores file content in the CAS and the directory tree under
	// <data_dir>/dirs, one JSON inode per file.
	Local struct {
		name     string
		store    *cas.Store
		dirsRoot string
		log      *logrus.Entry
	}
)

var (
	_ Backend          = (*Local)(nil)
	_ ContentAddressed = (*Local)(nil)
	_ Multiparter      = (*Local)(nil)
	_ Inspector        = (*Local)(nil)
)

// NewLocal opens the local adapter rooted at dataDir, backed by store.
func NewLocal(name, dataDir string, store *cas.Store, log *logrus.Entry) (*Local, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Local{
		name:     name,
		store:    store,
		dirsRoot: filepath.Join(dataDir, dirsDirname),
		log:      log.WithField("module", "backend."+name),
	}
	if err := os.MkdirAll(b.dirsRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "local backend init")
	}
	return b, nil
}

func (b *Local) Name() string { return b.name }

func (b *Local) Caps() Capabilities {
	return Capabilities{SupportsParallelMmapRead: true, SupportsCaching: true}
}

// fsPath maps a backend-relative path into the dirs/ tree.
func (b *Local) fsPath(path string) string {
	return filepath.Join(b.dirsRoot, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (b *Local) readInode(path string) (*inode, error) {
	raw, err := os.ReadFile(b.fsPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErrNotFound("%s", path)
		}
		return nil, err
	}
	ino := &inode{}
	if err := jsonAPI.Unmarshal(raw, ino); err != nil {
		return nil, cmn.NewErrIntegrity("inode %s: %v", path, err)
	}
	return ino, nil
}

func (b *Local) writeInode(path string, ino *inode) error {
	fsp := b.fsPath(path)
	if err := os.MkdirAll(filepath.Dir(fsp), 0o755); err != nil {
		return err
	}
	raw, err := jsonAPI.Marshal(ino)
	if err != nil {
		return err
	}
	tmp := fsp + ".tmp~"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fsp)
}

//
// Backend
//

func (b *Local) Read(ctx context.Context, path string) ([]byte, error) {
	ino, err := b.readInode(path)
	if err != nil {
		return nil, err
	}
	return b.store.Read(ctx, ino.ContentHash)
}

func (b *Local) ReadRange(ctx context.Context, path string, start, end int64) (io.ReadCloser, error) {
	ino, err := b.readInode(path)
	if err != nil {
		return nil, err
	}
	return b.store.ReadRange(ctx, ino.ContentHash, start, end)
}

func (b *Local) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	ino, err := b.readInode(path)
	if err != nil {
		return nil, err
	}
	if ino.Size == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return b.store.ReadRange(ctx, ino.ContentHash, 0, ino.Size-1)
}

// Write atomically replaces path with data; the previous content reference
// is released only after the inode swap.
func (b *Local) Write(ctx context.Context, path string, data []byte) (string, error) {
	return b.put(ctx, path, data, "", false)
}

// WriteWithVersion is Write guarded by optimistic concurrency: the current
// version token must equal expectedVersion ("" demands a fresh create).
func (b *Local) WriteWithVersion(ctx context.Context, path string, data []byte, expectedVersion string) (string, error) {
	return b.put(ctx, path, data, expectedVersion, true)
}

func (b *Local) put(ctx context.Context, path string, data []byte, expectedVersion string, checkVersion bool) (string, error) {
	old, err := b.readInode(path)
	if err != nil && !errors.Is(err, cmn.ErrNotFound) {
		return "", err
	}
	if checkVersion {
		switch {
		case old == nil && expectedVersion != "":
			return "", cmn.NewErrConflict("%s: expected version %s, found none", path, expectedVersion)
		case old != nil && old.ContentHash != expectedVersion:
			return "", cmn.NewErrConflict("%s: expected version %s, have %s", path, expectedVersion, old.ContentHash)
		}
	}
	if st, err := os.Stat(b.fsPath(path)); err == nil && st.IsDir() {
		return "", cmn.NewErrValidation("%s is a directory", path)
	}
	hash, err := b.store.Write(ctx, data)
	if err != nil {
		return "", err
	}
	now := time.Now()
	ino := &inode{
		ContentHash: hash,
		Size:        int64(len(data)),
		Version:     1,
		MimeType:    mime.TypeByExtension(filepath.Ext(path)),
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if old != nil {
		ino.Version = old.Version + 1
		ino.CreatedAt = old.CreatedAt
	}
	if err := b.writeInode(path, ino); err != nil {
		// undo the reference taken for this write
		if rerr := b.store.Release(ctx, hash); rerr != nil {
			b.log.WithError(rerr).WithField("hash", hash).Warn("orphaned content reference")
		}
		return "", err
	}
	if old != nil && old.ContentHash != hash {
		if err := b.store.Release(ctx, old.ContentHash); err != nil && !errors.Is(err, cmn.ErrNotFound) {
			b.log.WithError(err).WithField("hash", old.ContentHash).Warn("stale content release failed")
		}
	} else if old != nil {
		// same content rewritten: drop the extra reference Write took
		if err := b.store.Release(ctx, hash); err != nil {
			b.log.WithError(err).WithField("hash", hash).Warn("dedup release failed")
		}
	}
	return hash, nil
}

func (b *Local) Delete(ctx context.Context, path string) error {
	ino, err := b.readInode(path)
	if err != nil {
		return err
	}
	if err := os.Remove(b.fsPath(path)); err != nil {
		if os.IsNotExist(err) {
			return cmn.NewErrNotFound("%s", path)
		}
		return err
	}
	if err := b.store.Release(ctx, ino.ContentHash); err != nil && !errors.Is(err, cmn.ErrNotFound) {
		return err
	}
	return nil
}

func (b *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(b.fsPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *Local) Size(_ context.Context, path string) (int64, error) {
	ino, err := b.readInode(path)
	if err != nil {
		return 0, err
	}
	return ino.Size, nil
}

func (b *Local) ListDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(b.fsPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErrNotFound("%s", path)
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp~") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (b *Local) IsDirectory(_ context.Context, path string) (bool, error) {
	st, err := os.Stat(b.fsPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, cmn.NewErrNotFound("%s", path)
		}
		return false, err
	}
	return st.IsDir(), nil
}

func (b *Local) Mkdir(_ context.Context, path string, parents, existOK bool) error {
	fsp := b.fsPath(path)
	if st, err := os.Stat(fsp); err == nil {
		if st.IsDir() && existOK {
			return nil
		}
		return cmn.NewErrAlreadyExists("%s", path)
	}
	if parents {
		return os.MkdirAll(fsp, 0o755)
	}
	if err := os.Mkdir(fsp, 0o755); err != nil {
		if os.IsNotExist(err) {
			return cmn.NewErrNotFound("parent of %s", path)
		}
		return err
	}
	return nil
}

func (b *Local) Rmdir(ctx context.Context, path string, recursive bool) error {
	fsp := b.fsPath(path)
	st, err := os.Stat(fsp)
	if err != nil {
		if os.IsNotExist(err) {
			return cmn.NewErrNotFound("%s", path)
		}
		return err
	}
	if !st.IsDir() {
		return cmn.NewErrValidation("%s is not a directory", path)
	}
	if !recursive {
		if err := os.Remove(fsp); err != nil {
			return cmn.NewErrValidation("%s not empty", path)
		}
		return nil
	}
	// release content references before removing the subtree
	err = filepath.WalkDir(fsp, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(b.dirsRoot, p)
		if rerr != nil {
			return rerr
		}
		ino, rerr := b.readInode("/" + filepath.ToSlash(rel))
		if rerr != nil {
			return nil //nolint:nilerr // non-inode stragglers are removed with the tree
		}
		if rerr = b.store.Release(ctx, ino.ContentHash); rerr != nil && !errors.Is(rerr, cmn.ErrNotFound) {
			return rerr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(fsp)
}

//
// ContentAddressed
//

func (b *Local) ContentRead(ctx context.Context, hash string) ([]byte, error) {
	return b.store.Read(ctx, hash)
}

func (b *Local) ContentWrite(ctx context.Context, data []byte) (string, error) {
	return b.store.Write(ctx, data)
}

func (b *Local) ContentRelease(ctx context.Context, hash string) error {
	return b.store.Release(ctx, hash)
}

func (b *Local) ContentExists(_ context.Context, hash string) (bool, error) {
	return b.store.Exists(hash)
}

func (b *Local) ContentSize(_ context.Context, hash string) (int64, error) {
	return b.store.Size(hash)
}

func (b *Local) ContentRefCount(_ context.Context, hash string) (int64, error) {
	return b.store.RefCount(hash)
}

//
// Multiparter
//

func (b *Local) MultipartInit(_ context.Context, path, contentType string, userMeta map[string]string) (string, error) {
	return b.store.MultipartBegin(path, contentType, userMeta)
}

func (b *Local) MultipartPart(_ context.Context, uploadID string, n int, data []byte) (string, error) {
	return b.store.MultipartPart(uploadID, n, data)
}

// MultipartCommit assembles the parts into the CAS and binds the result to
// the upload's logical path.
func (b *Local) MultipartCommit(ctx context.Context, uploadID string, parts []Part) (string, error) {
	logical, err := b.store.UploadLogicalPath(uploadID)
	if err != nil {
		return "", err
	}
	casParts := make([]cas.Part, len(parts))
	for i, p := range parts {
		casParts[i] = cas.Part{N: p.N, Token: p.Token}
	}
	hash, err := b.store.MultipartCommit(ctx, uploadID, casParts)
	if err != nil {
		return "", err
	}
	data, err := b.store.Read(ctx, hash)
	if err != nil {
		return "", err
	}
	version, err := b.Write(ctx, logical, data)
	if err != nil {
		return "", err
	}
	// Write took its own reference; drop the one MultipartCommit created
	if err := b.store.Release(ctx, hash); err != nil && !errors.Is(err, cmn.ErrNotFound) {
		b.log.WithError(err).WithField("hash", hash).Warn("multipart release failed")
	}
	return version, nil
}

func (b *Local) MultipartAbort(_ context.Context, uploadID string) error {
	return b.store.MultipartAbort(uploadID)
}

//
// Inspector
//

func (b *Local) GetVersion(_ context.Context, path string) (string, error) {
	ino, err := b.readInode(path)
	if err != nil {
		return "", err
	}
	return ino.ContentHash, nil
}

func (b *Local) GetFileInfo(_ context.Context, path string) (*cmn.Metadata, error) {
	fsp := b.fsPath(path)
	st, err := os.Stat(fsp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErrNotFound("%s", path)
		}
		return nil, err
	}
	if st.IsDir() {
		mt := st.ModTime()
		return &cmn.Metadata{
			Path:        "/" + strings.TrimPrefix(path, "/"),
			BackendName: b.name,
			EntryType:   cmn.EntryDirectory,
			Version:     1,
			ModifiedAt:  &mt,
		}, nil
	}
	ino, err := b.readInode(path)
	if err != nil {
		return nil, err
	}
	return &cmn.Metadata{
		Path:         "/" + strings.TrimPrefix(path, "/"),
		BackendName:  b.name,
		PhysicalPath: ino.ContentHash,
		Size:         ino.Size,
		ETag:         ino.ContentHash,
		MimeType:     ino.MimeType,
		EntryType:    cmn.EntryRegular,
		Version:      ino.Version,
		CreatedAt:    &ino.CreatedAt,
		ModifiedAt:   &ino.ModifiedAt,
	}, nil
}
