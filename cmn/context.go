// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"github.com/google/uuid"

	"github.com/nexi-lab/nexus/readset"
)

// Subject identifies the principal performing an operation.
type Subject struct {
	Type string // "user", "agent", "group", "zone", "role"
	ID   string
}

const (
	SubjectUser  = "user"
	SubjectAgent = "agent"
	SubjectGroup = "group"
	SubjectZone  = "zone"
	SubjectRole  = "role"
)

// OperationContext carries authentication and authorization state through
// every filesystem operation.
type OperationContext struct {
	Subject Subject
	ZoneID  string
	IsAdmin bool

	// SessionGeneration is the agent session's generation at token-issue
	// time; checked against the registry before any mutation.
	SessionGeneration uint64

	// TrackReads enables read-set recording for this operation.
	TrackReads bool
	ReadSet    *readset.ReadSet
}

// NewContext returns a context for the given subject in zone.
func NewContext(subjType, subjID, zoneID string) *OperationContext {
	return &OperationContext{
		Subject: Subject{Type: subjType, ID: subjID},
		ZoneID:  zoneID,
	}
}

// EnableReadTracking turns on read recording, allocating a fresh read set
// keyed by a new query id.
func (ctx *OperationContext) EnableReadTracking() {
	ctx.TrackReads = true
	if ctx.ReadSet == nil {
		ctx.ReadSet = readset.New(uuid.NewString(), ctx.ZoneID)
	}
}

// DisableReadTracking stops recording; the accumulated read set is kept.
func (ctx *OperationContext) DisableReadTracking() { ctx.TrackReads = false }

// RecordRead appends an observation when tracking is enabled.
func (ctx *OperationContext) RecordRead(rt readset.ResourceType, id string, revision uint64, access readset.AccessType) {
	if ctx == nil || !ctx.TrackReads || ctx.ReadSet == nil {
		return
	}
	ctx.ReadSet.Record(rt, id, revision, access)
}

// IsAgent reports whether the subject is an agent principal.
func (ctx *OperationContext) IsAgent() bool { return ctx.Subject.Type == SubjectAgent }
