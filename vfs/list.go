// Package vfs is the filesystem façade.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package vfs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexi-lab/nexus/backend"
	"github.com/nexi-lab/nexus/cmn"
	"github.com/nexi-lab/nexus/readset"
	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/router"
	"github.com/nexi-lab/nexus/stats"
)

type (
	// ListOptions controls List output.
	ListOptions struct {
		Recursive bool
		Details   bool
	}

	// Page is one ListPaginated result window.
	Page struct {
		Paths      []string
		NextCursor string
	}

	// GrepMatch is one matching line.
	GrepMatch struct {
		Path string
		Line int
		Text string
	}
)

func queryID() string { return uuid.NewString() }

// List enumerates a directory; entries the subject cannot see or read are
// filtered out, not errored.
func (v *VFS) List(gctx context.Context, ctx *cmn.OperationContext, dirPath string, opts ListOptions) ([]string, []*cmn.Metadata, error) {
	rt, np, err := v.prepare(ctx, dirPath, rebac.PermRead, false)
	if err != nil {
		return nil, nil, err
	}
	v.trk.Inc(stats.ListCount)
	rev := v.revs.Current(ctx.ZoneID)
	key := fmt.Sprintf("list:%s?r=%t", np, opts.Recursive)

	var paths []string
	if cached, ok := v.cache.Get(key); ok {
		v.trk.Inc(stats.CacheHitCount)
		paths = cached.([]string)
	} else {
		v.trk.Inc(stats.CacheMissCnt)
		if paths, err = v.walk(gctx, rt, np, opts.Recursive); err != nil {
			return nil, nil, err
		}
		sort.Strings(paths)
		v.cache.Put(key, paths, v.opReadSet(ctx, readset.ResourceDirectory, np, rev, readset.AccessList), rev)
	}
	ctx.RecordRead(readset.ResourceDirectory, np, rev, readset.AccessList)

	visible := paths[:0:0]
	for _, p := range paths {
		if v.visible(ctx, p) {
			visible = append(visible, p)
		}
	}
	if v.engine != nil {
		if visible, err = v.engine.FilterList(ctx, rebac.PermRead, visible); err != nil {
			return nil, nil, err
		}
	}
	if !opts.Details {
		return visible, nil, nil
	}
	mds := make([]*cmn.Metadata, 0, len(visible))
	for _, p := range visible {
		md, err := v.Stat(gctx, ctx, p)
		if err != nil {
			if errors.Is(err, cmn.ErrNotFound) || errors.Is(err, cmn.ErrAccessDenied) {
				continue
			}
			return nil, nil, err
		}
		mds = append(mds, md)
	}
	return visible, mds, nil
}

// ListPaginated returns a lexicographic window of at most limit paths,
// resuming after cursor.
func (v *VFS) ListPaginated(gctx context.Context, ctx *cmn.OperationContext, dirPath string, opts ListOptions, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		return nil, cmn.NewErrValidation("limit %d", limit)
	}
	all, _, err := v.List(gctx, ctx, dirPath, ListOptions{Recursive: opts.Recursive})
	if err != nil {
		return nil, err
	}
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(all, cursor)
		if start < len(all) && all[start] == cursor {
			start++
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := &Page{Paths: all[start:end]}
	if end < len(all) {
		page.NextCursor = all[end-1]
	}
	return page, nil
}

// walk expands a directory into full virtual paths.
func (v *VFS) walk(gctx context.Context, rt *router.Route, np string, recursive bool) ([]string, error) {
	names, err := rt.Backend.ListDir(gctx, rt.BackendPath)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		full := np + "/" + name
		if np == "/" {
			full = "/" + name
		}
		out = append(out, full)
		if !recursive {
			continue
		}
		childBp := strings.TrimSuffix(rt.BackendPath, "/") + "/" + name
		isDir, err := rt.Backend.IsDirectory(gctx, childBp)
		if err != nil || !isDir {
			continue
		}
		sub, err := v.walk(gctx, &router.Route{Backend: rt.Backend, BackendPath: childBp, MountPoint: rt.MountPoint}, full, true)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// Glob returns the paths beneath base matching pattern; "**" spans
// directory separators, the remaining syntax is path.Match.
func (v *VFS) Glob(gctx context.Context, ctx *cmn.OperationContext, pattern, base string) ([]string, error) {
	all, _, err := v.List(gctx, ctx, base, ListOptions{Recursive: true})
	if err != nil {
		return nil, err
	}
	nbase, err := cmn.NormalizePath(base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range all {
		rel := strings.TrimPrefix(strings.TrimPrefix(p, strings.TrimSuffix(nbase, "/")), "/")
		ok, err := matchGlob(pattern, rel)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// matchGlob matches shell-style patterns where "**" crosses separators.
func matchGlob(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return path.Match(pattern, name)
	}
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			sb.WriteString(`(?:[^/]+/)*`)
			i += 2
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString(`.*`)
			i++
		case pattern[i] == '*':
			sb.WriteString(`[^/]*`)
		case pattern[i] == '?':
			sb.WriteString(`[^/]`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}

// Grep scans files beneath base for a regular expression.
func (v *VFS) Grep(gctx context.Context, ctx *cmn.OperationContext, pattern, base string, ignoreCase bool, filePattern string, maxResults int) ([]GrepMatch, error) {
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, cmn.NewErrValidation("grep pattern: %v", err)
	}
	all, _, err := v.List(gctx, ctx, base, ListOptions{Recursive: true})
	if err != nil {
		return nil, err
	}
	var out []GrepMatch
	for _, p := range all {
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		if filePattern != "" {
			if ok, _ := path.Match(filePattern, path.Base(p)); !ok {
				continue
			}
		}
		data, err := v.Read(gctx, ctx, p)
		if err != nil {
			// directories and just-vanished entries are skipped, not fatal
			if errors.Is(err, cmn.ErrNotFound) || errors.Is(err, cmn.ErrAccessDenied) || errors.Is(err, cmn.ErrIntegrity) {
				continue
			}
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, GrepMatch{Path: p, Line: i + 1, Text: line})
				if maxResults > 0 && len(out) >= maxResults {
					break
				}
			}
		}
	}
	return out, nil
}

// BatchGetContentHashes resolves the content hash of each path; paths that
// are absent or hashless map to "".
func (v *VFS) BatchGetContentHashes(gctx context.Context, ctx *cmn.OperationContext, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		rt, np, err := v.prepare(ctx, p, rebac.PermRead, false)
		if err != nil {
			if errors.Is(err, cmn.ErrNotFound) || errors.Is(err, cmn.ErrAccessDenied) {
				out[p] = ""
				continue
			}
			return nil, err
		}
		insp, ok := rt.Backend.(backend.Inspector)
		if !ok {
			out[p] = ""
			continue
		}
		version, err := insp.GetVersion(gctx, rt.BackendPath)
		if err != nil {
			if errors.Is(err, cmn.ErrNotFound) {
				out[p] = ""
				continue
			}
			return nil, err
		}
		out[p] = version
		ctx.RecordRead(readset.ResourceMetadata, np, v.revs.Current(ctx.ZoneID), readset.AccessMetadata)
	}
	return out, nil
}
