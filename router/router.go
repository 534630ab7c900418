// Package router resolves virtual paths to (backend, backend-relative path)
// through longest-prefix mount matching, with zone policy and read-only
// namespace enforcement.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package router

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/backend"
	"github.com/nexi-lab/nexus/cmn"
)

type (
	// Mount is one entry of the ordered mount registry. Two mounts may
	// share a mount point only when their priorities differ.
	Mount struct {
		MountPoint string
		Backend    backend.Backend
		Priority   int
		ReadOnly   bool
	}

	// Route is the resolution of a virtual path.
	Route struct {
		Backend     backend.Backend
		BackendPath string
		MountPoint  string
		ReadOnly    bool
	}

	// Router routes against an immutable mount-table snapshot; mutation
	// swaps in a new snapshot, so routing never takes a lock.
	Router struct {
		mu         sync.Mutex // serializes mutation only
		table      atomic.Pointer[[]Mount]
		readOnlyNS []string
		log        *logrus.Entry
	}
)

// New returns a router with an empty mount table. readOnlyNS lists namespace
// prefixes (e.g. "/system") where every write is denied, admin or not.
func New(readOnlyNS []string, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{readOnlyNS: readOnlyNS, log: log.WithField("module", "router")}
	empty := []Mount{}
	r.table.Store(&empty)
	return r
}

// AddMount registers a mount. An existing (mount point, priority) pair is
// rejected with AlreadyExists.
func (r *Router) AddMount(point string, bck backend.Backend, priority int, readonly bool) error {
	np, err := cmn.NormalizePath(point)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.table.Load()
	for _, m := range cur {
		if m.MountPoint == np && m.Priority == priority {
			return cmn.NewErrAlreadyExists("mount %s priority %d", np, priority)
		}
	}
	next := make([]Mount, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, Mount{MountPoint: np, Backend: bck, Priority: priority, ReadOnly: readonly})
	// longest prefix first; ties by higher priority, deterministically
	sort.SliceStable(next, func(i, j int) bool {
		if len(next[i].MountPoint) != len(next[j].MountPoint) {
			return len(next[i].MountPoint) > len(next[j].MountPoint)
		}
		if next[i].MountPoint != next[j].MountPoint {
			return next[i].MountPoint < next[j].MountPoint
		}
		return next[i].Priority > next[j].Priority
	})
	r.table.Store(&next)
	r.log.WithFields(logrus.Fields{"mount": np, "backend": bck.Name(), "priority": priority}).Info("mount added")
	return nil
}

// RemoveMount drops every mount at point; false when none matched.
func (r *Router) RemoveMount(point string) (bool, error) {
	np, err := cmn.NormalizePath(point)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.table.Load()
	next := make([]Mount, 0, len(cur))
	for _, m := range cur {
		if m.MountPoint != np {
			next = append(next, m)
		}
	}
	if len(next) == len(cur) {
		return false, nil
	}
	r.table.Store(&next)
	r.log.WithField("mount", np).Info("mount removed")
	return true, nil
}

// ListMounts returns the current snapshot, longest prefix first.
func (r *Router) ListMounts() []Mount {
	cur := *r.table.Load()
	out := make([]Mount, len(cur))
	copy(out, cur)
	return out
}

// Route resolves path for the caller. Cross-zone paths are denied for
// non-admins; checkWrite additionally denies read-only mounts and read-only
// namespaces (the latter regardless of admin).
func (r *Router) Route(path, zoneID string, isAdmin, checkWrite bool) (*Route, error) {
	np, err := cmn.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if _, zone, _, ok := cmn.SplitZonePath(np); ok && zoneID != "" && zone != zoneID && !isAdmin {
		return nil, cmn.NewErrAccessDenied("path %s is outside zone %s", np, zoneID)
	}
	if checkWrite {
		for _, ns := range r.readOnlyNS {
			if cmn.IsPathPrefix(np, ns) {
				return nil, cmn.NewErrAccessDenied("namespace %s is read-only", ns)
			}
		}
	}
	for _, m := range *r.table.Load() {
		if !cmn.IsPathPrefix(np, m.MountPoint) {
			continue
		}
		if checkWrite && m.ReadOnly {
			return nil, cmn.NewErrAccessDenied("mount %s is read-only", m.MountPoint)
		}
		bp := strings.TrimPrefix(np, strings.TrimSuffix(m.MountPoint, "/"))
		if bp == "" {
			bp = "/"
		}
		return &Route{Backend: m.Backend, BackendPath: bp, MountPoint: m.MountPoint, ReadOnly: m.ReadOnly}, nil
	}
	return nil, cmn.NewErrNotFound("no mount for %s", np)
}
