// Package cas implements the content-addressed blob store.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cas

import (
	"bytes"
	"io"

	"github.com/jotfs/fastcdc-go"
	"github.com/pkg/errors"
)

type (
	// manifestChunk is one entry of a chunk manifest; chunks reassemble by
	// plain concatenation in list order.
	manifestChunk struct {
		Hash string `json:"hash"`
		Len  int64  `json:"len"`
	}

	// manifest describes a chunked blob. The manifest itself is stored as a
	// CAS blob and holds exactly one reference to each distinct chunk hash
	// it lists.
	manifest struct {
		Size   int64           `json:"size"`
		Chunks []manifestChunk `json:"chunks"`
	}
)

// splitCDC cuts data into content-defined chunks around the target size.
// Cut points come from a FastCDC rolling hash, so an insertion near the
// front does not shift every later chunk boundary.
func splitCDC(data []byte, target int) ([][]byte, error) {
	opts := fastcdc.Options{
		MinSize:     target / 2,
		AverageSize: target,
		MaxSize:     target * 4,
	}
	chunker, err := fastcdc.NewChunker(bytes.NewReader(data), opts)
	if err != nil {
		return nil, errors.Wrap(err, "cdc init")
	}
	var out [][]byte
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "cdc next")
		}
		// chunker reuses its buffer between calls
		cp := make([]byte, len(chunk.Data))
		copy(cp, chunk.Data)
		out = append(out, cp)
	}
	return out, nil
}

// chunkSpan locates the chunk containing byte offset off; returns the chunk
// index and the offset within it.
func (m *manifest) chunkSpan(off int64) (idx int, within int64) {
	var pos int64
	for i, c := range m.Chunks {
		if off < pos+c.Len {
			return i, off - pos
		}
		pos += c.Len
	}
	return len(m.Chunks), 0
}
