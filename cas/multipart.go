// Package cas implements the content-addressed blob store.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexi-lab/nexus/cmn"
)

const stagingMetaFile = "_meta.json"

type (
	// uploadMeta is the staging record written alongside the parts.
	uploadMeta struct {
		UploadID    string            `json:"upload_id"`
		LogicalPath string            `json:"logical_path"`
		ContentType string            `json:"content_type,omitempty"`
		UserMeta    map[string]string `json:"user_meta,omitempty"`
		CreatedAt   time.Time         `json:"created_at"`
	}

	// Part identifies one uploaded part at commit time.
	Part struct {
		N     int
		Token string
	}
)

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.uploadsRoot, uploadID)
}

func partName(n int) string { return fmt.Sprintf("part_%06d", n) }

// MultipartBegin creates the staging area and returns the upload id.
func (s *Store) MultipartBegin(logicalPath, contentType string, userMeta map[string]string) (string, error) {
	id := uuid.NewString()
	dir := s.uploadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "multipart begin")
	}
	md := &uploadMeta{
		UploadID:    id,
		LogicalPath: logicalPath,
		ContentType: contentType,
		UserMeta:    userMeta,
		CreatedAt:   time.Now(),
	}
	raw, err := jsonAPI.Marshal(md)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, stagingMetaFile), raw, 0o644); err != nil {
		return "", errors.Wrap(err, "multipart begin")
	}
	return id, nil
}

// MultipartPart stages part n; the returned token is the part's content hash.
func (s *Store) MultipartPart(uploadID string, n int, data []byte) (string, error) {
	if n < 1 {
		return "", cmn.NewErrValidation("part number %d", n)
	}
	dir := s.uploadDir(uploadID)
	if _, err := os.Stat(filepath.Join(dir, stagingMetaFile)); err != nil {
		if os.IsNotExist(err) {
			return "", cmn.NewErrNotFound("upload %s", uploadID)
		}
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, partName(n)), data, 0o644); err != nil {
		return "", errors.Wrap(err, "multipart part")
	}
	return ComputeHash(data), nil
}

// MultipartCommit assembles the named parts in ascending order, writes the
// result through Write, and removes the staging area.
func (s *Store) MultipartCommit(ctx context.Context, uploadID string, parts []Part) (string, error) {
	dir := s.uploadDir(uploadID)
	if _, err := os.Stat(filepath.Join(dir, stagingMetaFile)); err != nil {
		if os.IsNotExist(err) {
			return "", cmn.NewErrNotFound("upload %s", uploadID)
		}
		return "", err
	}
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].N < sorted[j].N })

	var assembled []byte
	for _, p := range sorted {
		data, err := os.ReadFile(filepath.Join(dir, partName(p.N)))
		if err != nil {
			if os.IsNotExist(err) {
				return "", cmn.NewErrNotFound("upload %s part %d", uploadID, p.N)
			}
			return "", err
		}
		if p.Token != "" && ComputeHash(data) != p.Token {
			return "", cmn.NewErrIntegrity("upload %s part %d: token mismatch", uploadID, p.N)
		}
		assembled = append(assembled, data...)
	}
	hash, err := s.Write(ctx, assembled)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.WithError(err).WithField("upload", uploadID).Warn("staging cleanup failed")
	}
	return hash, nil
}

// UploadLogicalPath returns the logical path recorded at MultipartBegin.
func (s *Store) UploadLogicalPath(uploadID string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.uploadDir(uploadID), stagingMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", cmn.NewErrNotFound("upload %s", uploadID)
		}
		return "", err
	}
	md := &uploadMeta{}
	if err := jsonAPI.Unmarshal(raw, md); err != nil {
		return "", cmn.NewErrIntegrity("upload %s meta: %v", uploadID, err)
	}
	return md.LogicalPath, nil
}

// MultipartAbort discards the staging area; unknown ids are a no-op.
func (s *Store) MultipartAbort(uploadID string) error {
	return os.RemoveAll(s.uploadDir(uploadID))
}
