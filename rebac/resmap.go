// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/nexi-lab/nexus/cmn"
)

var (
	bucketResMap  = []byte("resmap")
	bucketResRev  = []byte("resmap_rev")
	bucketBitmaps = []byte("bitmaps")
)

type (
	// Resource is the reverse-map value of an interned id.
	Resource struct {
		Type string
		ID   string
		Zone string
	}

	// ResourceMap assigns every (resource_type, resource_id, zone) a stable
	// uint32, insert-on-miss, persisted in bbolt with the reverse map held
	// in memory.
	ResourceMap struct {
		db   *bolt.DB
		mu   sync.Mutex
		fwd  map[string]uint32
		rev  map[uint32]Resource
		next uint32
	}
)

func resKey(resType, id, zone string) string { return resType + "|" + id + "|" + zone }

// NewResourceMap loads (or initializes) the map from db.
func NewResourceMap(db *bolt.DB) (*ResourceMap, error) {
	m := &ResourceMap{
		db:  db,
		fwd: make(map[string]uint32),
		rev: make(map[uint32]Resource),
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketResMap, bucketResRev, bucketBitmaps} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketResMap).ForEach(func(k, v []byte) error {
			intID := binary.BigEndian.Uint32(v)
			parts := strings.SplitN(string(k), "|", 3)
			if len(parts) != 3 {
				return cmn.NewErrIntegrity("resource map key %q", k)
			}
			m.fwd[string(k)] = intID
			m.rev[intID] = Resource{Type: parts[0], ID: parts[1], Zone: parts[2]}
			if intID >= m.next {
				m.next = intID + 1
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "resource map load")
	}
	return m, nil
}

// GetOrCreate returns the stable int id for the resource, assigning and
// persisting a fresh one on first sight.
func (m *ResourceMap) GetOrCreate(resType, id, zone string) (uint32, error) {
	key := resKey(resType, id, zone)
	m.mu.Lock()
	defer m.mu.Unlock()
	if intID, ok := m.fwd[key]; ok {
		return intID, nil
	}
	intID := m.next
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], intID)
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketResMap).Put([]byte(key), buf[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketResRev).Put(buf[:], []byte(key))
	})
	if err != nil {
		return 0, errors.Wrap(err, "resource map insert")
	}
	m.next++
	m.fwd[key] = intID
	m.rev[intID] = Resource{Type: resType, ID: id, Zone: zone}
	return intID, nil
}

// Lookup returns the int id without inserting.
func (m *ResourceMap) Lookup(resType, id, zone string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intID, ok := m.fwd[resKey(resType, id, zone)]
	return intID, ok
}

// Resource returns the reverse mapping for intID.
func (m *ResourceMap) Resource(intID uint32) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rev[intID]
	return r, ok
}

// BulkGetOrCreate interns a batch in one transaction.
func (m *ResourceMap) BulkGetOrCreate(resType, zone string, ids []string) (map[string]uint32, error) {
	out := make(map[string]uint32, len(ids))
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []string
	for _, id := range ids {
		if intID, ok := m.fwd[resKey(resType, id, zone)]; ok {
			out[id] = intID
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	err := m.db.Update(func(tx *bolt.Tx) error {
		fwdB, revB := tx.Bucket(bucketResMap), tx.Bucket(bucketResRev)
		for _, id := range missing {
			intID := m.next
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], intID)
			key := resKey(resType, id, zone)
			if err := fwdB.Put([]byte(key), buf[:]); err != nil {
				return err
			}
			if err := revB.Put(buf[:], []byte(key)); err != nil {
				return err
			}
			m.next++
			m.fwd[key] = intID
			m.rev[intID] = Resource{Type: resType, ID: id, Zone: zone}
			out[id] = intID
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "resource map bulk insert")
	}
	return out, nil
}

// All returns every interned resource of the given type and zone.
func (m *ResourceMap) All(resType, zone string) []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Resource
	for _, r := range m.rev {
		if r.Type == resType && r.Zone == zone {
			out = append(out, r)
		}
	}
	return out
}
