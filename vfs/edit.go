// Package vfs is the filesystem façade.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package vfs

import (
	"context"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/nexi-lab/nexus/cmn"
	"github.com/nexi-lab/nexus/rebac"
)

type (
	// Edit is one find/replace hunk.
	Edit struct {
		OldText string
		NewText string
	}

	// EditOptions tunes Edit behavior.
	EditOptions struct {
		// FuzzyThreshold is the minimum line-similarity ratio accepted
		// when the hunk has no exact match; 0 uses the default (0.95),
		// >= 1 demands exact matches.
		FuzzyThreshold float64
		// Preview computes the diff without writing.
		Preview bool
		// IfMatch, when set, is the version token the file must still
		// carry at write time.
		IfMatch string
	}

	// EditResult reports the applied (or previewed) change.
	EditResult struct {
		Diff       string
		NewVersion string
	}
)

const defaultFuzzyThreshold = 0.95

// Edit applies the hunks in order with optimistic concurrency: a concurrent
// writer between read and write surfaces as Conflict.
func (v *VFS) Edit(gctx context.Context, ctx *cmn.OperationContext, path string, edits []Edit, opts EditOptions) (*EditResult, error) {
	if len(edits) == 0 {
		return nil, cmn.NewErrValidation("no edits")
	}
	rt, np, err := v.prepare(ctx, path, rebac.PermWrite, true)
	if err != nil {
		return nil, err
	}
	data, err := rt.Backend.Read(gctx, rt.BackendPath)
	if err != nil {
		return nil, err
	}
	expected := opts.IfMatch
	if expected == "" {
		// pin the version we read so the write detects interleavings
		if insp, ok := rt.Backend.(interface {
			GetVersion(context.Context, string) (string, error)
		}); ok {
			if expected, err = insp.GetVersion(gctx, rt.BackendPath); err != nil {
				return nil, err
			}
		}
	}
	threshold := opts.FuzzyThreshold
	if threshold == 0 {
		threshold = defaultFuzzyThreshold
	}
	content := string(data)
	for _, e := range edits {
		next, ok := applyEdit(content, e, threshold)
		if !ok {
			return nil, cmn.NewErrValidation("edit target not found in %s: %.60q", np, e.OldText)
		}
		content = next
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(data)),
		B:        difflib.SplitLines(content),
		FromFile: np,
		ToFile:   np,
		Context:  3,
	})
	if err != nil {
		return nil, err
	}
	if opts.Preview {
		return &EditResult{Diff: diff}, nil
	}
	newRev := v.revs.Next(ctx.ZoneID)
	version, err := rt.Backend.WriteWithVersion(gctx, rt.BackendPath, []byte(content), expected)
	if err != nil {
		return nil, err
	}
	v.invalidateAfterWrite(np, newRev, ctx.ZoneID)
	return &EditResult{Diff: diff, NewVersion: version}, nil
}

// applyEdit replaces the first occurrence of the hunk, falling back to the
// best fuzzy line-window match at or above threshold.
func applyEdit(content string, e Edit, threshold float64) (string, bool) {
	if strings.Contains(content, e.OldText) {
		return strings.Replace(content, e.OldText, e.NewText, 1), true
	}
	if threshold >= 1 {
		return "", false
	}
	lines := strings.Split(content, "\n")
	oldLines := strings.Split(e.OldText, "\n")
	if len(oldLines) > len(lines) {
		return "", false
	}
	bestAt, bestRatio := -1, threshold
	for i := 0; i+len(oldLines) <= len(lines); i++ {
		m := difflib.NewMatcher(oldLines, lines[i:i+len(oldLines)])
		if r := m.Ratio(); r >= bestRatio {
			bestAt, bestRatio = i, r
		}
	}
	if bestAt < 0 {
		return "", false
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:bestAt]...)
	out = append(out, strings.Split(e.NewText, "\n")...)
	out = append(out, lines[bestAt+len(oldLines):]...)
	return strings.Join(out, "\n"), true
}
