// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/cmn"
)

// ObjectFile is the object type whose ids are paths and which inherits
// permissions down the parent chain.
const (
	ObjectFile  = "file"
	ObjectGroup = "group"
	ObjectZone  = "zone"
)

// batchDepthCutover: ancestor walks deeper than this resolve all candidate
// tuples in a single store pass instead of one lookup per level.
const batchDepthCutover = 2

type (
	// Decision is the outcome of a check, with the most-specific granting
	// path (used to maintain the boundary cache).
	Decision struct {
		Allowed  bool
		Boundary string // object id at which the grant was found ("" if denied)
	}

	// Engine answers permission checks over the tuple store with a
	// two-tier cache in front: boundary entries for O(1) inheritance and
	// Tiger bitmaps for bulk filtering.
	Engine struct {
		store    *Store
		boundary *BoundaryCache
		tiger    *TigerCache // optional
		conf     cmn.PermissionConf
		log      *logrus.Entry
	}
)

// NewEngine wires a check engine over store; the boundary cache registers
// its invalidation callback with the store here.
func NewEngine(store *Store, conf cmn.PermissionConf, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		store:    store,
		boundary: NewBoundaryCache(),
		conf:     conf,
		log:      log.WithField("module", "rebac.engine"),
	}
	store.OnInvalidate(func(t *Tuple, _ uint64) {
		if t.Object.Type == ObjectFile {
			e.boundary.InvalidateChain(t.Object.ID)
		} else {
			// group/zone membership changed: nearest-ancestor entries may
			// depend on it transitively
			e.boundary.Clear()
		}
	})
	return e
}

// SetTigerCache attaches the bitmap tier (optional).
func (e *Engine) SetTigerCache(tc *TigerCache) { e.tiger = tc }

// Boundary exposes the boundary cache (stats, tests).
func (e *Engine) Boundary() *BoundaryCache { return e.boundary }

// Check reports whether the context's subject holds perm on the object.
func (e *Engine) Check(ctx *cmn.OperationContext, perm Permission, obj ObjectRef) (bool, error) {
	d, err := e.CheckDetailed(ctx, perm, obj)
	return d.Allowed, err
}

// CheckDetailed is Check returning the granting boundary.
func (e *Engine) CheckDetailed(ctx *cmn.OperationContext, perm Permission, obj ObjectRef) (Decision, error) {
	if !e.conf.Enforce {
		return Decision{Allowed: true, Boundary: obj.ID}, nil
	}
	if e.adminBypass(ctx, obj) {
		return Decision{Allowed: true, Boundary: obj.ID}, nil
	}
	subj := SubjectRef{Type: ctx.Subject.Type, ID: ctx.Subject.ID}

	if obj.Type == ObjectFile {
		if b, ok := e.boundary.Get(ctx.ZoneID, subj, perm, obj.ID); ok {
			ok2, err := e.grantAt(subj, perm, ObjectRef{Type: ObjectFile, ID: b}, ctx.ZoneID, nil)
			if err != nil {
				return Decision{}, err
			}
			if ok2 {
				return Decision{Allowed: true, Boundary: b}, nil
			}
			e.boundary.Evict(ctx.ZoneID, subj, perm, obj.ID)
		}
	}
	if e.tiger != nil && obj.Type == ObjectFile {
		if allowed, ok := e.tiger.Check(subj, perm, ObjectFile, obj.ID, ctx.ZoneID); ok {
			if allowed {
				return Decision{Allowed: true, Boundary: obj.ID}, nil
			}
			// a cached negative still falls through: the bitmap may lag a
			// freshly written tuple, and correctness beats precision here
		}
	}
	d, err := e.checkReBAC(subj, perm, obj, ctx.ZoneID)
	if err != nil {
		return Decision{}, err
	}
	if d.Allowed && obj.Type == ObjectFile {
		e.boundary.Put(ctx.ZoneID, subj, perm, obj.ID, d.Boundary)
	}
	return d, nil
}

// CheckBulk resolves a batch of checks; the result maps each request's
// canonical "subject|perm|object" key to its outcome.
func (e *Engine) CheckBulk(ctx *cmn.OperationContext, reqs []BulkCheckReq) (map[string]bool, error) {
	out := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		allowed, err := e.Check(ctx, r.Perm, r.Object)
		if err != nil {
			return nil, err
		}
		out[r.Key()] = allowed
	}
	return out, nil
}

// BulkCheckReq is one entry of a CheckBulk batch.
type BulkCheckReq struct {
	Subject SubjectRef
	Perm    Permission
	Object  ObjectRef
}

func (r BulkCheckReq) Key() string {
	return r.Subject.String() + "|" + string(r.Perm) + "|" + r.Object.String()
}

// FilterList keeps only the paths the subject can read, preferring one
// bitmap intersection over N tuple checks when the Tiger tier is attached.
func (e *Engine) FilterList(ctx *cmn.OperationContext, perm Permission, paths []string) ([]string, error) {
	if !e.conf.Enforce {
		return paths, nil
	}
	subj := SubjectRef{Type: ctx.Subject.Type, ID: ctx.Subject.ID}
	if e.tiger != nil {
		if accessible, ok := e.tiger.AccessibleResources(subj, perm, ObjectFile, ctx.ZoneID); ok {
			out := make([]string, 0, len(paths))
			var unresolved []string
			for _, p := range paths {
				intID, known := e.tiger.resmap.Lookup(ObjectFile, p, ctx.ZoneID)
				switch {
				case known && accessible.Contains(intID):
					out = append(out, p)
				case !known:
					unresolved = append(unresolved, p)
				}
			}
			for _, p := range unresolved {
				allowed, err := e.Check(ctx, perm, ObjectRef{Type: ObjectFile, ID: p})
				if err != nil {
					return nil, err
				}
				if allowed {
					out = append(out, p)
				}
			}
			return out, nil
		}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		allowed, err := e.Check(ctx, perm, ObjectRef{Type: ObjectFile, ID: p})
		if err != nil {
			return nil, err
		}
		if allowed {
			out = append(out, p)
		}
	}
	return out, nil
}

//
// core resolution
//

// checkReBAC resolves direct, implied, and inherited grants. File objects
// walk the ancestor chain, most-specific first; deep paths resolve all
// levels from a single tuple pass.
func (e *Engine) checkReBAC(subj SubjectRef, perm Permission, obj ObjectRef, zone string) (Decision, error) {
	if obj.Type != ObjectFile {
		ok, err := e.grantAt(subj, perm, obj, zone, nil)
		if err != nil || !ok {
			return Decision{}, err
		}
		return Decision{Allowed: true, Boundary: obj.ID}, nil
	}
	chain := append([]string{obj.ID}, cmn.AncestorChain(obj.ID)...)
	if len(chain) > e.conf.MaxDepth {
		chain = chain[:e.conf.MaxDepth]
	}
	var preloaded []*Tuple
	if len(chain) > batchDepthCutover+1 {
		ids := make(map[string]struct{}, len(chain))
		for _, p := range chain {
			ids[p] = struct{}{}
		}
		var err error
		if preloaded, err = e.store.tuplesForObjects(ObjectFile, ids); err != nil {
			return Decision{}, err
		}
	}
	for _, p := range chain {
		ok, err := e.grantAt(subj, perm, ObjectRef{Type: ObjectFile, ID: p}, zone, preloaded)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Allowed: true, Boundary: p}, nil
		}
	}
	return Decision{}, nil
}

// grantAt reports whether any tuple at exactly this object grants perm to
// subj: public wildcard, direct subject, or userset membership. When
// preloaded is non-nil it is used instead of store lookups for the object's
// own tuples.
func (e *Engine) grantAt(subj SubjectRef, perm Permission, obj ObjectRef, zone string, preloaded []*Tuple) (bool, error) {
	rels := relationsFor(perm)
	if rels == nil {
		return false, cmn.NewErrValidation("unknown permission %q", perm)
	}
	tuples := preloaded
	if tuples == nil {
		var err error
		if tuples, err = e.store.List(TupleFilter{Object: &obj}); err != nil {
			return false, err
		}
	}
	inRels := func(r string) bool {
		for _, want := range rels {
			if r == want {
				return true
			}
		}
		return false
	}
	for _, t := range tuples {
		if t.Object != obj || !inRels(t.Relation) {
			continue
		}
		if t.ZoneID != "" && zone != "" && t.ZoneID != zone {
			continue
		}
		switch {
		case t.Subject.Type == cmn.SubjectRole && t.Subject.ID == PublicSubjectID:
			return true, nil
		case t.Subject.Relation == "" && t.Subject.Type == subj.Type && t.Subject.ID == subj.ID:
			return true, nil
		case t.Subject.Relation != "":
			member, err := e.isMember(subj, t.Subject, zone)
			if err != nil {
				return false, err
			}
			if member {
				return true, nil
			}
		}
	}
	return false, nil
}

// isMember resolves a userset reference (e.g. group:eng#member) against the
// subject, one indirection level deep.
func (e *Engine) isMember(subj, userset SubjectRef, zone string) (bool, error) {
	members, err := e.store.List(TupleFilter{
		Relation: userset.Relation,
		Object:   &ObjectRef{Type: userset.Type, ID: userset.ID},
	})
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ZoneID != "" && zone != "" && m.ZoneID != zone {
			continue
		}
		if m.Subject.Type == subj.Type && m.Subject.ID == subj.ID && m.Subject.Relation == "" {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) adminBypass(ctx *cmn.OperationContext, obj ObjectRef) bool {
	if !e.conf.AdminBypass || !ctx.IsAdmin {
		return false
	}
	if len(e.conf.AdminBypassPaths) == 0 {
		return true
	}
	if obj.Type != ObjectFile {
		return false
	}
	for _, pat := range e.conf.AdminBypassPaths {
		if ok, err := path.Match(pat, obj.ID); err == nil && ok {
			return true
		}
		if strings.HasSuffix(pat, "/**") && cmn.IsPathPrefix(obj.ID, strings.TrimSuffix(pat, "/**")) {
			return true
		}
	}
	return false
}
