// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"sort"
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/nexi-lab/nexus/cmn"
)

type (
	subjectKey struct {
		Type string
		ID   string
	}

	nsView struct {
		grants     map[string]struct{} // visible path prefixes
		grantsHash uint64
		// negative decisions cached under the grants hash that produced
		// them; a grant change bumps the hash and orphans them all
		negatives map[string]uint64 // path -> grantsHash at decision time
	}

	// NamespaceManager maintains per-subject visibility mount tables,
	// independent of fine-grained permission. An invisible path reads as
	// NotFound at the façade, never AccessDenied. Subjects with no
	// registered view see nothing; admins see everything.
	NamespaceManager struct {
		mu    sync.Mutex
		views map[subjectKey]*nsView
	}
)

// NewNamespaceManager returns an empty visibility table.
func NewNamespaceManager() *NamespaceManager {
	return &NamespaceManager{views: make(map[subjectKey]*nsView)}
}

func (nm *NamespaceManager) view(subj cmn.Subject) *nsView {
	key := subjectKey{subj.Type, subj.ID}
	v, ok := nm.views[key]
	if !ok {
		v = &nsView{grants: make(map[string]struct{}), negatives: make(map[string]uint64)}
		nm.views[key] = v
	}
	return v
}

// Grant makes path (and its subtree, and its ancestors for traversal)
// visible to the subject.
func (nm *NamespaceManager) Grant(subj cmn.Subject, path string) error {
	np, err := cmn.NormalizePath(path)
	if err != nil {
		return err
	}
	nm.mu.Lock()
	defer nm.mu.Unlock()
	v := nm.view(subj)
	v.grants[np] = struct{}{}
	v.rehash()
	return nil
}

// Revoke removes a visibility grant; unknown grants are a no-op.
func (nm *NamespaceManager) Revoke(subj cmn.Subject, path string) error {
	np, err := cmn.NormalizePath(path)
	if err != nil {
		return err
	}
	nm.mu.Lock()
	defer nm.mu.Unlock()
	v := nm.view(subj)
	delete(v.grants, np)
	v.rehash()
	return nil
}

// rehash recomputes the short digest of the subject's view and orphans all
// cached negative decisions taken under the previous hash.
func (v *nsView) rehash() {
	paths := make([]string, 0, len(v.grants))
	for p := range v.grants {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := xxhash.New64()
	for _, p := range paths {
		h.WriteString(p)   //nolint:errcheck
		h.WriteString("\n") //nolint:errcheck
	}
	v.grantsHash = h.Sum64()
	v.negatives = make(map[string]uint64)
}

// GrantsHash returns the subject's current view digest as a short token.
func (nm *NamespaceManager) GrantsHash(subj cmn.Subject) string {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return strconv.FormatUint(nm.view(subj).grantsHash, 16)
}

// IsVisible reports whether the subject can see path at all. Visible when
// path lies beneath a granted prefix, or is an ancestor of one (so the
// subject can traverse down to its grants). Admin contexts see everything.
func (nm *NamespaceManager) IsVisible(subj cmn.Subject, path string, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	np, err := cmn.NormalizePath(path)
	if err != nil {
		return false
	}
	nm.mu.Lock()
	defer nm.mu.Unlock()
	v := nm.view(subj)
	if hash, ok := v.negatives[np]; ok && hash == v.grantsHash {
		return false
	}
	for g := range v.grants {
		if cmn.IsPathPrefix(np, g) || cmn.IsPathPrefix(g, np) {
			return true
		}
	}
	v.negatives[np] = v.grantsHash
	return false
}

// VisibleRoots returns the subject's granted prefixes, sorted.
func (nm *NamespaceManager) VisibleRoots(subj cmn.Subject) []string {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	v := nm.view(subj)
	out := make([]string, 0, len(v.grants))
	for g := range v.grants {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
