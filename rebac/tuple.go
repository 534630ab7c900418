// Package rebac implements the relationship-based access-control kernel:
// the tuple store and check engine, the boundary cache, the per-subject
// Tiger bitmap cache, and the namespace visibility manager.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"fmt"
	"strings"

	"github.com/nexi-lab/nexus/cmn"
)

// Permission is a computed capability resolved from stored relations.
type Permission string

const (
	PermRead     Permission = "read"
	PermWrite    Permission = "write"
	PermExecute  Permission = "execute"
	PermTraverse Permission = "traverse"
)

// Stored (direct) relations.
const (
	RelDirectViewer = "direct_viewer"
	RelDirectEditor = "direct_editor"
	RelDirectOwner  = "direct_owner"
	RelMember       = "member"
	RelOwner        = "owner"
)

// PublicSubjectID is the wildcard subject id: (role, public) grants everyone.
const PublicSubjectID = "public"

// relationsFor maps a permission to the direct relations that grant it.
func relationsFor(p Permission) []string {
	switch p {
	case PermRead, PermTraverse:
		return []string{RelDirectViewer, RelDirectEditor, RelDirectOwner}
	case PermWrite:
		return []string{RelDirectEditor, RelDirectOwner}
	case PermExecute:
		return []string{RelDirectOwner}
	}
	return nil
}

type (
	// SubjectRef is a tuple subject: a plain (type, id), or a userset
	// (type, id, relation) such as group:eng#member.
	SubjectRef struct {
		Type     string `json:"type"`
		ID       string `json:"id"`
		Relation string `json:"relation,omitempty"`
	}

	// ObjectRef is a tuple object.
	ObjectRef struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}

	// Tuple is a single authorization edge. ZoneID "" denotes a
	// globally-scoped tuple. Tuples deduplicate on the whole 4-tuple.
	Tuple struct {
		ID       uint64     `json:"id"`
		Subject  SubjectRef `json:"subject"`
		Relation string     `json:"relation"`
		Object   ObjectRef  `json:"object"`
		ZoneID   string     `json:"zone_id,omitempty"`
	}
)

// Validate rejects malformed tuples.
func (t *Tuple) Validate() error {
	switch {
	case t.Subject.Type == "" || t.Subject.ID == "":
		return cmn.NewErrValidation("tuple subject %+v incomplete", t.Subject)
	case t.Relation == "":
		return cmn.NewErrValidation("tuple relation empty")
	case t.Object.Type == "" || t.Object.ID == "":
		return cmn.NewErrValidation("tuple object %+v incomplete", t.Object)
	}
	for _, s := range []string{t.Subject.Type, t.Subject.ID, t.Subject.Relation, t.Relation, t.Object.Type, t.Object.ID, t.ZoneID} {
		if strings.ContainsAny(s, "|\n") {
			return cmn.NewErrValidation("tuple field %q contains reserved characters", s)
		}
	}
	return nil
}

// canonical is the dedup key over the whole 4-tuple.
func (t *Tuple) canonical() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		t.Subject.Type, t.Subject.ID, t.Subject.Relation, t.Relation, t.Object.Type, t.Object.ID, t.ZoneID)
}

func (s SubjectRef) String() string {
	if s.Relation != "" {
		return s.Type + ":" + s.ID + "#" + s.Relation
	}
	return s.Type + ":" + s.ID
}

func (o ObjectRef) String() string { return o.Type + ":" + o.ID }
