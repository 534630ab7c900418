// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"fmt"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tupleKeyPrefix = "rebac:tuple:"
	uniqKeyPrefix  = "rebac:uniq:"
	changeSeqKey   = "rebac:changelog:seq"
)

type (
	// InvalidationCB observes every tuple write/delete; registered by the
	// caches at startup.
	InvalidationCB func(t *Tuple, changeID uint64)

	// TupleFilter selects tuples for List; nil fields match anything.
	TupleFilter struct {
		Subject  *SubjectRef
		Relation string
		Object   *ObjectRef
	}

	// Store persists tuples in buntdb with a monotonic changelog id; every
	// mutation notifies the registered invalidation callbacks.
	Store struct {
		db  *buntdb.DB
		log *logrus.Entry

		cbMu sync.RWMutex
		cbs  []InvalidationCB
	}
)

// NewStore opens the tuple store at path (":memory:" for ephemeral).
func NewStore(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "tuple store open")
	}
	return &Store{db: db, log: log.WithField("module", "rebac")}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// OnInvalidate registers a callback fired after every write and delete.
func (s *Store) OnInvalidate(cb InvalidationCB) {
	s.cbMu.Lock()
	s.cbs = append(s.cbs, cb)
	s.cbMu.Unlock()
}

func (s *Store) notify(t *Tuple, changeID uint64) {
	s.cbMu.RLock()
	cbs := s.cbs
	s.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(t, changeID)
	}
}

// ChangeID returns the current changelog position.
func (s *Store) ChangeID() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(changeSeqKey)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	return id, err
}

func nextChangeID(tx *buntdb.Tx) (uint64, error) {
	var id uint64 = 1
	if v, err := tx.Get(changeSeqKey); err == nil {
		cur, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return 0, perr
		}
		id = cur + 1
	} else if err != buntdb.ErrNotFound {
		return 0, err
	}
	_, _, err := tx.Set(changeSeqKey, strconv.FormatUint(id, 10), nil)
	return id, err
}

// WriteTuple stores t (deduplicated on the whole 4-tuple) and returns its
// id. A duplicate write returns the existing id without a changelog bump.
func (s *Store) WriteTuple(t *Tuple) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	var (
		id       uint64
		changeID uint64
		isNew    bool
	)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		uniqKey := uniqKeyPrefix + t.canonical()
		if v, err := tx.Get(uniqKey); err == nil {
			existing, perr := strconv.ParseUint(v, 10, 64)
			if perr != nil {
				return perr
			}
			id = existing
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		cid, err := nextChangeID(tx)
		if err != nil {
			return err
		}
		t.ID, id, changeID, isNew = cid, cid, cid, true
		raw, err := jsonAPI.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(tupleKey(id), string(raw), nil); err != nil {
			return err
		}
		_, _, err = tx.Set(uniqKey, strconv.FormatUint(id, 10), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	if isNew {
		s.notify(t, changeID)
	}
	return id, nil
}

// DeleteTuple removes the tuple by id; absent ids return false, no error.
func (s *Store) DeleteTuple(id uint64) (bool, error) {
	var (
		deleted  bool
		t        Tuple
		changeID uint64
	)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(tupleKey(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := jsonAPI.Unmarshal([]byte(raw), &t); err != nil {
			return err
		}
		if _, err := tx.Delete(tupleKey(id)); err != nil {
			return err
		}
		if _, err := tx.Delete(uniqKeyPrefix + t.canonical()); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if changeID, err = nextChangeID(tx); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.notify(&t, changeID)
	}
	return deleted, nil
}

// List returns the tuples matching the filter.
func (s *Store) List(f TupleFilter) ([]*Tuple, error) {
	var out []*Tuple
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(tupleKeyPrefix+"*", func(_, v string) bool {
			t := &Tuple{}
			if err := jsonAPI.Unmarshal([]byte(v), t); err != nil {
				s.log.WithError(err).Warn("undecodable tuple skipped")
				return true
			}
			if f.matches(t) {
				out = append(out, t)
			}
			return true
		})
	})
	return out, err
}

func (f TupleFilter) matches(t *Tuple) bool {
	if f.Subject != nil {
		if t.Subject.Type != f.Subject.Type || t.Subject.ID != f.Subject.ID {
			return false
		}
		if f.Subject.Relation != "" && t.Subject.Relation != f.Subject.Relation {
			return false
		}
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if f.Object != nil && (t.Object.Type != f.Object.Type || t.Object.ID != f.Object.ID) {
		return false
	}
	return true
}

// tuplesForObjects loads every tuple whose object is in the given set, in a
// single pass; used by the batched check to avoid per-ancestor round-trips.
func (s *Store) tuplesForObjects(objType string, objIDs map[string]struct{}) ([]*Tuple, error) {
	var out []*Tuple
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(tupleKeyPrefix+"*", func(_, v string) bool {
			t := &Tuple{}
			if err := jsonAPI.Unmarshal([]byte(v), t); err != nil {
				return true
			}
			if t.Object.Type != objType {
				return true
			}
			if _, ok := objIDs[t.Object.ID]; ok {
				out = append(out, t)
			}
			return true
		})
	})
	return out, err
}

// Expand returns the set of subjects holding relation on object, expanding
// group/zone usersets one level through their member edges.
func (s *Store) Expand(obj ObjectRef, relation string) ([]SubjectRef, error) {
	direct, err := s.List(TupleFilter{Relation: relation, Object: &obj})
	if err != nil {
		return nil, err
	}
	var (
		out  []SubjectRef
		seen = make(map[string]struct{})
	)
	add := func(ref SubjectRef) {
		key := ref.String()
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			out = append(out, ref)
		}
	}
	for _, t := range direct {
		if t.Subject.Relation == "" {
			add(t.Subject)
			continue
		}
		// userset: expand its members
		members, err := s.List(TupleFilter{
			Relation: t.Subject.Relation,
			Object:   &ObjectRef{Type: t.Subject.Type, ID: t.Subject.ID},
		})
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			add(m.Subject)
		}
	}
	return out, nil
}

func tupleKey(id uint64) string { return fmt.Sprintf("%s%020d", tupleKeyPrefix, id) }

// Memory is the buntdb in-memory path.
const Memory = ":memory:"
