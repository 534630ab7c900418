// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

type (
	tigerKey struct {
		SubjType string
		SubjID   string
		Perm     Permission
		ResType  string
		Zone     string
	}

	tigerEntry struct {
		bm       *roaring.Bitmap
		revision uint64
		loadedAt time.Time
	}

	// TigerCache pre-materializes, per (subject, permission, resource
	// type, zone), the Roaring bitmap of accessible resource int-ids. The
	// memory tier is TTL- and size-bounded over a persistent bbolt tier.
	TigerCache struct {
		db     *bolt.DB
		resmap *ResourceMap

		mu      sync.Mutex // reentrancy is not needed: no callbacks under lock
		entries map[tigerKey]*tigerEntry
		maxSize int
		ttl     time.Duration
		log     *logrus.Entry
	}
)

func (k tigerKey) encode() []byte {
	return []byte(k.SubjType + "|" + k.SubjID + "|" + string(k.Perm) + "|" + k.ResType + "|" + k.Zone)
}

func decodeTigerKey(b []byte) (tigerKey, bool) {
	parts := strings.SplitN(string(b), "|", 5)
	if len(parts) != 5 {
		return tigerKey{}, false
	}
	return tigerKey{parts[0], parts[1], Permission(parts[2]), parts[3], parts[4]}, true
}

// NewTigerCache opens the bitmap cache over db (shared with the resource
// map), bounded at maxSize in-memory entries with the given TTL.
func NewTigerCache(db *bolt.DB, resmap *ResourceMap, maxSize int, ttl time.Duration, log *logrus.Entry) *TigerCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TigerCache{
		db:      db,
		resmap:  resmap,
		entries: make(map[tigerKey]*tigerEntry),
		maxSize: maxSize,
		ttl:     ttl,
		log:     log.WithField("module", "rebac.tiger"),
	}
}

// ResMap exposes the interning map.
func (tc *TigerCache) ResMap() *ResourceMap { return tc.resmap }

// AccessibleResources returns the bitmap of accessible int-ids for the
// lookup key: memory first, then disk. ok is false when no bitmap has been
// materialized — the caller falls back to tuple checks.
func (tc *TigerCache) AccessibleResources(subj SubjectRef, perm Permission, resType, zone string) (*roaring.Bitmap, bool) {
	key := tigerKey{subj.Type, subj.ID, perm, resType, zone}
	tc.mu.Lock()
	if e, ok := tc.entries[key]; ok && (tc.ttl <= 0 || time.Since(e.loadedAt) < tc.ttl) {
		bm := e.bm.Clone()
		tc.mu.Unlock()
		return bm, true
	}
	tc.mu.Unlock()

	e, err := tc.loadFromDB(key)
	if err != nil {
		tc.log.WithError(err).Warn("tiger disk load failed")
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	tc.put(key, e)
	return e.bm.Clone(), true
}

// Check answers a single-resource membership query; ok is false on cache
// miss (either no bitmap or an unknown resource id).
func (tc *TigerCache) Check(subj SubjectRef, perm Permission, resType, resID, zone string) (allowed, ok bool) {
	intID, known := tc.resmap.Lookup(resType, resID, zone)
	if !known {
		return false, false
	}
	bm, ok := tc.AccessibleResources(subj, perm, resType, zone)
	if !ok {
		return false, false
	}
	return bm.Contains(intID), true
}

// Add write-through inserts one int-id into the subject's bitmap, creating
// the entry when absent.
func (tc *TigerCache) Add(subj SubjectRef, perm Permission, resType, zone string, intID uint32) error {
	return tc.mutate(tigerKey{subj.Type, subj.ID, perm, resType, zone}, func(bm *roaring.Bitmap) {
		bm.Add(intID)
	})
}

// Remove write-through drops one int-id.
func (tc *TigerCache) Remove(subj SubjectRef, perm Permission, resType, zone string, intID uint32) error {
	return tc.mutate(tigerKey{subj.Type, subj.ID, perm, resType, zone}, func(bm *roaring.Bitmap) {
		bm.Remove(intID)
	})
}

func (tc *TigerCache) mutate(key tigerKey, fn func(*roaring.Bitmap)) error {
	tc.mu.Lock()
	e, ok := tc.entries[key]
	if !ok {
		tc.mu.Unlock()
		var err error
		if e, err = tc.loadFromDB(key); err != nil {
			return err
		}
		if e == nil {
			e = &tigerEntry{bm: roaring.New()}
		}
		tc.mu.Lock()
	}
	fn(e.bm)
	e.loadedAt = time.Now()
	raw, err := e.bm.MarshalBinary()
	rev := e.revision
	tc.mu.Unlock()
	if err != nil {
		return err
	}
	tc.put(key, e)
	return tc.persist(key, raw, rev)
}

// Update replaces the whole bitmap after a background recomputation at the
// given revision.
func (tc *TigerCache) Update(subj SubjectRef, perm Permission, resType, zone string, intIDs []uint32, revision uint64) error {
	bm := roaring.New()
	bm.AddMany(intIDs)
	key := tigerKey{subj.Type, subj.ID, perm, resType, zone}
	raw, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	tc.put(key, &tigerEntry{bm: bm, revision: revision, loadedAt: time.Now()})
	return tc.persist(key, raw, revision)
}

// Invalidate drops every entry matching the wildcard pattern ("" matches
// anything per field) from both tiers; returns the number of disk entries
// removed.
func (tc *TigerCache) Invalidate(subjType, subjID string, perm Permission, resType, zone string) (int, error) {
	match := func(k tigerKey) bool {
		return (subjType == "" || k.SubjType == subjType) &&
			(subjID == "" || k.SubjID == subjID) &&
			(perm == "" || k.Perm == perm) &&
			(resType == "" || k.ResType == resType) &&
			(zone == "" || k.Zone == zone)
	}
	tc.mu.Lock()
	for k := range tc.entries {
		if match(k) {
			delete(tc.entries, k)
		}
	}
	tc.mu.Unlock()

	n := 0
	err := tc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBitmaps)
		var doomed [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if key, ok := decodeTigerKey(k); ok && match(key) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ClearMemory empties the memory tier only.
func (tc *TigerCache) ClearMemory() {
	tc.mu.Lock()
	tc.entries = make(map[tigerKey]*tigerEntry)
	tc.mu.Unlock()
}

//
// tiers
//

func (tc *TigerCache) loadFromDB(key tigerKey) (*tigerEntry, error) {
	var e *tigerEntry
	err := tc.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBitmaps).Get(key.encode())
		if raw == nil {
			return nil
		}
		if len(raw) < 8 {
			return errors.Errorf("tiger entry %s: truncated", key.encode())
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(raw[8:]); err != nil {
			return err
		}
		e = &tigerEntry{bm: bm, revision: binary.BigEndian.Uint64(raw[:8]), loadedAt: time.Now()}
		return nil
	})
	return e, err
}

func (tc *TigerCache) persist(key tigerKey, bmRaw []byte, revision uint64) error {
	val := make([]byte, 8+len(bmRaw))
	binary.BigEndian.PutUint64(val[:8], revision)
	copy(val[8:], bmRaw)
	return tc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBitmaps).Put(key.encode(), val)
	})
}

func (tc *TigerCache) put(key tigerKey, e *tigerEntry) {
	tc.mu.Lock()
	tc.entries[key] = e
	tc.evictIfNeeded()
	tc.mu.Unlock()
}

// evictIfNeeded drops the oldest tenth when the memory tier is over
// capacity. Caller holds the lock.
func (tc *TigerCache) evictIfNeeded() {
	if tc.maxSize <= 0 || len(tc.entries) <= tc.maxSize {
		return
	}
	type aged struct {
		key tigerKey
		at  time.Time
	}
	all := make([]aged, 0, len(tc.entries))
	for k, e := range tc.entries {
		all = append(all, aged{k, e.loadedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	drop := len(tc.entries) / 10
	if drop == 0 {
		drop = 1
	}
	for i := 0; i < drop && i < len(all); i++ {
		delete(tc.entries, all[i].key)
	}
}
