// Package cas implements the content-addressed blob store: hash-keyed
// immutable blobs with per-blob and per-chunk reference counting, chunk
// manifests for large content, and a Bloom-backed existence filter.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cas

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
)

// existFilter answers "definitely absent" in O(1) without touching disk.
// Process-local: rebuilt from a directory scan at startup. Negative answers
// short-circuit Exists only — reads never consult the filter, since another
// process may have materialized content after our scan.
type existFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newExistFilter(capacity uint, fpRate float64) *existFilter {
	return &existFilter{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

// populate scans the CAS tree and inserts every present hash.
func (f *existFilter) populate(casRoot string, log *logrus.Entry) {
	n := 0
	err := filepath.WalkDir(casRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable subtree only weakens the filter
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, lockSuffix) {
			return nil
		}
		if isHexHash(name) {
			f.add(name)
			n++
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("bloom population scan failed")
	}
	log.WithField("hashes", n).Debug("bloom filter populated")
}

func (f *existFilter) add(hash string) {
	f.mu.Lock()
	f.filter.AddString(hash)
	f.mu.Unlock()
}

// mightExist returns false only when hash is definitively absent.
func (f *existFilter) mightExist(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(hash)
}

func isHexHash(s string) bool {
	if len(s) != hashHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
