// Package vfs is the filesystem façade: it validates paths, applies
// namespace visibility, session freshness and permission checks, routes to
// the owning backend, tracks read sets, and keeps the metadata cache
// precise across writes.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package vfs

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/agentreg"
	"github.com/nexi-lab/nexus/backend"
	"github.com/nexi-lab/nexus/cmn"
	"github.com/nexi-lab/nexus/mcache"
	"github.com/nexi-lab/nexus/readset"
	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/router"
	"github.com/nexi-lab/nexus/stats"
)

type (
	// VFS glues the substrate together. Namespace manager, permission
	// engine, and agent registry are optional; absent components skip
	// their check.
	VFS struct {
		router *router.Router
		ns     *rebac.NamespaceManager
		engine *rebac.Engine
		agents *agentreg.Registry
		cache  *mcache.Cache
		revs   *cmn.ZoneRevisions
		trk    *stats.Tracker
		log    *logrus.Entry
	}

	// Options carries the optional collaborators.
	Options struct {
		Namespace *rebac.NamespaceManager
		Engine    *rebac.Engine
		Agents    *agentreg.Registry
		Tracker   *stats.Tracker
	}
)

// New assembles the façade. router, cache, and revs are required.
func New(rt *router.Router, cache *mcache.Cache, revs *cmn.ZoneRevisions, opts Options, log *logrus.Entry) *VFS {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &VFS{
		router: rt,
		ns:     opts.Namespace,
		engine: opts.Engine,
		agents: opts.Agents,
		cache:  cache,
		revs:   revs,
		trk:    opts.Tracker,
		log:    log.WithField("module", "vfs"),
	}
}

// Router exposes the mount table for administration.
func (v *VFS) Router() *router.Router { return v.router }

// prepare runs the operation preamble: normalize, visibility, session
// freshness (mutations only), route, permission.
func (v *VFS) prepare(ctx *cmn.OperationContext, path string, perm rebac.Permission, mutating bool) (*router.Route, string, error) {
	np, err := cmn.NormalizePath(path)
	if err != nil {
		return nil, "", err
	}
	if !v.visible(ctx, np) {
		// invisibility reads as absence, never as denial
		return nil, "", cmn.NewErrNotFound("%s", np)
	}
	if mutating {
		if err := agentreg.CheckStaleSession(v.agents, ctx); err != nil {
			v.trk.Inc(stats.StaleSessCnt)
			return nil, "", err
		}
	}
	rt, err := v.router.Route(np, ctx.ZoneID, ctx.IsAdmin, mutating)
	if err != nil {
		return nil, "", err
	}
	if v.engine != nil {
		allowed, err := v.engine.Check(ctx, perm, rebac.ObjectRef{Type: rebac.ObjectFile, ID: np})
		if err != nil {
			return nil, "", err
		}
		if !allowed {
			v.trk.Inc(stats.ErrDeniedCnt)
			return nil, "", cmn.NewErrAccessDenied("%s on %s", perm, np)
		}
	}
	return rt, np, nil
}

func (v *VFS) visible(ctx *cmn.OperationContext, np string) bool {
	if v.ns == nil {
		return true
	}
	return v.ns.IsVisible(ctx.Subject, np, ctx.IsAdmin)
}

// opReadSet builds the cache-facing read set for one observation.
func (v *VFS) opReadSet(ctx *cmn.OperationContext, rt readset.ResourceType, np string, rev uint64, access readset.AccessType) *readset.ReadSet {
	rs := readset.New(queryID(), ctx.ZoneID)
	rs.Record(rt, np, rev, access)
	return rs
}

//
// read side
//

// Read returns the file's content.
func (v *VFS) Read(gctx context.Context, ctx *cmn.OperationContext, path string) ([]byte, error) {
	rt, np, err := v.prepare(ctx, path, rebac.PermRead, false)
	if err != nil {
		return nil, err
	}
	v.trk.Inc(stats.ReadCount)
	rev := v.revs.Current(ctx.ZoneID)
	key := "content:" + np
	if cached, ok := v.cache.Get(key); ok {
		v.trk.Inc(stats.CacheHitCount)
		ctx.RecordRead(readset.ResourceFile, np, rev, readset.AccessContent)
		return cached.([]byte), nil
	}
	v.trk.Inc(stats.CacheMissCnt)
	data, err := rt.Backend.Read(gctx, rt.BackendPath)
	if err != nil {
		return nil, err
	}
	v.cache.Put(key, data, v.opReadSet(ctx, readset.ResourceFile, np, rev, readset.AccessContent), rev)
	ctx.RecordRead(readset.ResourceFile, np, rev, readset.AccessContent)
	return data, nil
}

// ReadRange streams bytes [start, end] of the file.
func (v *VFS) ReadRange(gctx context.Context, ctx *cmn.OperationContext, path string, start, end int64) (io.ReadCloser, error) {
	rt, np, err := v.prepare(ctx, path, rebac.PermRead, false)
	if err != nil {
		return nil, err
	}
	rc, err := rt.Backend.ReadRange(gctx, rt.BackendPath, start, end)
	if err != nil {
		return nil, err
	}
	ctx.RecordRead(readset.ResourceFile, np, v.revs.Current(ctx.ZoneID), readset.AccessContent)
	return rc, nil
}

// Stat returns the entry's metadata record.
func (v *VFS) Stat(gctx context.Context, ctx *cmn.OperationContext, path string) (*cmn.Metadata, error) {
	rt, np, err := v.prepare(ctx, path, rebac.PermRead, false)
	if err != nil {
		return nil, err
	}
	rev := v.revs.Current(ctx.ZoneID)
	key := "stat:" + np
	if cached, ok := v.cache.Get(key); ok {
		v.trk.Inc(stats.CacheHitCount)
		ctx.RecordRead(readset.ResourceMetadata, np, rev, readset.AccessMetadata)
		return cached.(*cmn.Metadata), nil
	}
	v.trk.Inc(stats.CacheMissCnt)
	md, err := v.statBackend(gctx, rt, np)
	if err != nil {
		return nil, err
	}
	md.ZoneID = ctx.ZoneID
	v.cache.Put(key, md, v.opReadSet(ctx, readset.ResourceMetadata, np, rev, readset.AccessMetadata), rev)
	ctx.RecordRead(readset.ResourceMetadata, np, rev, readset.AccessMetadata)
	return md, nil
}

func (v *VFS) statBackend(gctx context.Context, rt *router.Route, np string) (*cmn.Metadata, error) {
	if insp, ok := rt.Backend.(backend.Inspector); ok {
		md, err := insp.GetFileInfo(gctx, rt.BackendPath)
		if err != nil {
			return nil, err
		}
		md.Path = np
		return md, nil
	}
	isDir, err := rt.Backend.IsDirectory(gctx, rt.BackendPath)
	if err != nil {
		return nil, err
	}
	md := &cmn.Metadata{Path: np, BackendName: rt.Backend.Name(), Version: 1}
	if isDir {
		md.EntryType = cmn.EntryDirectory
		return md, nil
	}
	md.EntryType = cmn.EntryRegular
	if md.Size, err = rt.Backend.Size(gctx, rt.BackendPath); err != nil {
		return nil, err
	}
	return md, nil
}

// Exists reports whether the path exists and is visible.
func (v *VFS) Exists(gctx context.Context, ctx *cmn.OperationContext, path string) (bool, error) {
	rt, np, err := v.prepare(ctx, path, rebac.PermRead, false)
	if err != nil {
		if errors.Is(err, cmn.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := rt.Backend.Exists(gctx, rt.BackendPath)
	if err != nil {
		return false, err
	}
	ctx.RecordRead(readset.ResourceFile, np, v.revs.Current(ctx.ZoneID), readset.AccessExists)
	return ok, nil
}

//
// write side
//

// Write atomically replaces the file's content and returns the new version
// token. The zone revision is bumped before the backend write; overlapping
// cache entries are invalidated after it.
func (v *VFS) Write(gctx context.Context, ctx *cmn.OperationContext, path string, data []byte) (string, error) {
	rt, np, err := v.prepare(ctx, path, rebac.PermWrite, true)
	if err != nil {
		return "", err
	}
	v.trk.Inc(stats.WriteCount)
	newRev := v.revs.Next(ctx.ZoneID)
	version, err := rt.Backend.Write(gctx, rt.BackendPath, data)
	if err != nil {
		return "", err
	}
	v.invalidateAfterWrite(np, newRev, ctx.ZoneID)
	return version, nil
}

// Delete removes the file.
func (v *VFS) Delete(gctx context.Context, ctx *cmn.OperationContext, path string) error {
	rt, np, err := v.prepare(ctx, path, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	v.trk.Inc(stats.DeleteCount)
	newRev := v.revs.Next(ctx.ZoneID)
	if err := rt.Backend.Delete(gctx, rt.BackendPath); err != nil {
		return err
	}
	v.invalidateAfterWrite(np, newRev, ctx.ZoneID)
	return nil
}

// Rename moves a file, as copy+delete when source and destination live on
// different backends; atomicity is whatever the backends provide.
func (v *VFS) Rename(gctx context.Context, ctx *cmn.OperationContext, oldPath, newPath string) error {
	srcRt, srcNp, err := v.prepare(ctx, oldPath, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	dstRt, dstNp, err := v.prepare(ctx, newPath, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	data, err := srcRt.Backend.Read(gctx, srcRt.BackendPath)
	if err != nil {
		return err
	}
	newRev := v.revs.Next(ctx.ZoneID)
	if _, err := dstRt.Backend.Write(gctx, dstRt.BackendPath, data); err != nil {
		return err
	}
	if err := srcRt.Backend.Delete(gctx, srcRt.BackendPath); err != nil {
		return err
	}
	v.invalidateAfterWrite(srcNp, newRev, ctx.ZoneID)
	v.invalidateAfterWrite(dstNp, newRev, ctx.ZoneID)
	return nil
}

// Copy duplicates src at dst.
func (v *VFS) Copy(gctx context.Context, ctx *cmn.OperationContext, srcPath, dstPath string) error {
	srcRt, srcNp, err := v.prepare(ctx, srcPath, rebac.PermRead, false)
	if err != nil {
		return err
	}
	dstRt, dstNp, err := v.prepare(ctx, dstPath, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	data, err := srcRt.Backend.Read(gctx, srcRt.BackendPath)
	if err != nil {
		return err
	}
	newRev := v.revs.Next(ctx.ZoneID)
	if _, err := dstRt.Backend.Write(gctx, dstRt.BackendPath, data); err != nil {
		return err
	}
	ctx.RecordRead(readset.ResourceFile, srcNp, v.revs.Current(ctx.ZoneID), readset.AccessContent)
	v.invalidateAfterWrite(dstNp, newRev, ctx.ZoneID)
	return nil
}

// Mkdir creates a directory.
func (v *VFS) Mkdir(gctx context.Context, ctx *cmn.OperationContext, path string, parents, existOK bool) error {
	rt, np, err := v.prepare(ctx, path, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	newRev := v.revs.Next(ctx.ZoneID)
	if err := rt.Backend.Mkdir(gctx, rt.BackendPath, parents, existOK); err != nil {
		return err
	}
	v.invalidateAfterWrite(np, newRev, ctx.ZoneID)
	return nil
}

// Rmdir removes a directory.
func (v *VFS) Rmdir(gctx context.Context, ctx *cmn.OperationContext, path string, recursive bool) error {
	rt, np, err := v.prepare(ctx, path, rebac.PermWrite, true)
	if err != nil {
		return err
	}
	newRev := v.revs.Next(ctx.ZoneID)
	if err := rt.Backend.Rmdir(gctx, rt.BackendPath, recursive); err != nil {
		return err
	}
	v.invalidateAfterWrite(np, newRev, ctx.ZoneID)
	// a removed subtree takes every cached descendant with it
	v.cache.InvalidatePathPrefix(np)
	return nil
}

// invalidateAfterWrite keeps cache precision; a failure here affects
// precision only, never the completed write.
func (v *VFS) invalidateAfterWrite(np string, newRev uint64, zoneID string) {
	v.cache.InvalidateForWrite(np, newRev, zoneID)
}
