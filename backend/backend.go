// Package backend defines the uniform storage-adapter contract behind the
// path router, and ships the local content-addressed adapter. Remote
// adapters (object stores, SaaS connectors) implement the same interface and
// plug in through mount entries.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package backend

import (
	"context"
	"io"
	"time"

	"github.com/nexi-lab/nexus/cmn"
)

type (
	// Capabilities enumerates optional behaviors; a backend that lacks one
	// returns NotImplemented rather than faking it.
	Capabilities struct {
		SupportsParallelMmapRead bool
		SupportsCaching          bool
		ReadOnly                 bool
	}

	// Backend is the contract every storage adapter implements. Paths are
	// backend-relative (the router strips the mount prefix). Version tokens
	// are opaque strings: a content hash or a backend-native version id.
	Backend interface {
		Name() string
		Caps() Capabilities

		Read(ctx context.Context, path string) ([]byte, error)
		ReadRange(ctx context.Context, path string, start, end int64) (io.ReadCloser, error)
		ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
		Write(ctx context.Context, path string, data []byte) (version string, err error)
		WriteWithVersion(ctx context.Context, path string, data []byte, expectedVersion string) (version string, err error)
		Delete(ctx context.Context, path string) error
		Exists(ctx context.Context, path string) (bool, error)
		Size(ctx context.Context, path string) (int64, error)
		ListDir(ctx context.Context, path string) ([]string, error)
		IsDirectory(ctx context.Context, path string) (bool, error)
		Mkdir(ctx context.Context, path string, parents, existOK bool) error
		Rmdir(ctx context.Context, path string, recursive bool) error
	}

	// ContentAddressed is the extension implemented by CAS-capable backends.
	ContentAddressed interface {
		ContentRead(ctx context.Context, hash string) ([]byte, error)
		ContentWrite(ctx context.Context, data []byte) (hash string, err error)
		ContentRelease(ctx context.Context, hash string) error
		ContentExists(ctx context.Context, hash string) (bool, error)
		ContentSize(ctx context.Context, hash string) (int64, error)
		ContentRefCount(ctx context.Context, hash string) (int64, error)
	}

	// Multiparter is the optional multipart-upload extension.
	Multiparter interface {
		MultipartInit(ctx context.Context, path, contentType string, userMeta map[string]string) (uploadID string, err error)
		MultipartPart(ctx context.Context, uploadID string, n int, data []byte) (token string, err error)
		MultipartCommit(ctx context.Context, uploadID string, parts []Part) (version string, err error)
		MultipartAbort(ctx context.Context, uploadID string) error
	}

	// Part names one staged part at commit time.
	Part struct {
		N     int
		Token string
	}

	// Inspector is the optional metadata extension.
	Inspector interface {
		GetVersion(ctx context.Context, path string) (string, error)
		GetFileInfo(ctx context.Context, path string) (*cmn.Metadata, error)
	}

	// Presigner is the optional presigned-URL extension.
	Presigner interface {
		GeneratePresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	}
)
