// Package rebac implements the relationship-based access-control kernel.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package rebac

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"

	"github.com/nexi-lab/nexus/cmn"
)

const queueKeyPrefix = "tigerq:"

// Queue row states.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

type (
	// QueueRow is one pending Tiger rebuild.
	QueueRow struct {
		ID        string     `json:"id"`
		SubjType  string     `json:"subject_type"`
		SubjID    string     `json:"subject_id"`
		Perm      Permission `json:"permission"`
		ResType   string     `json:"resource_type"`
		Zone      string     `json:"zone_id"`
		Priority  int        `json:"priority"`
		Status    string     `json:"status"`
		Error     string     `json:"error,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
	}

	// RevisionSource reports the current revision of a zone; rebuilds are
	// stamped with it.
	RevisionSource func(zone string) uint64

	// Updater drains the rebuild queue: full bitmap recomputation per row,
	// driven by a periodic tick from the daemon.
	Updater struct {
		db     *buntdb.DB
		engine *Engine
		tiger  *TigerCache
		revOf  RevisionSource
		log    *logrus.Entry
	}
)

// NewUpdater opens the rebuild queue at path (rebac.Memory for ephemeral).
func NewUpdater(path string, engine *Engine, tiger *TigerCache, revOf RevisionSource, log *logrus.Entry) (*Updater, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Updater{db: db, engine: engine, tiger: tiger, revOf: revOf, log: log.WithField("module", "rebac.updater")}, nil
}

// Close releases the queue database.
func (u *Updater) Close() error { return u.db.Close() }

// Enqueue schedules a full rebuild for the subject/permission slice.
func (u *Updater) Enqueue(subj SubjectRef, perm Permission, resType, zone string, priority int) (string, error) {
	row := &QueueRow{
		ID:        uuid.NewString(),
		SubjType:  subj.Type,
		SubjID:    subj.ID,
		Perm:      perm,
		ResType:   resType,
		Zone:      zone,
		Priority:  priority,
		Status:    QueuePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := u.putRow(row); err != nil {
		return "", err
	}
	return row.ID, nil
}

// ProcessQueue claims up to batch pending rows (highest priority first) and
// rebuilds each. Database-lock errors leave the row in processing for a
// later retry; other failures mark it failed.
func (u *Updater) ProcessQueue(batch int) (int, error) {
	rows, err := u.claim(batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, row := range rows {
		if err := u.rebuild(row); err != nil {
			if isLockError(err) {
				u.log.WithField("row", row.ID).Warn("rebuild hit a locked database; left in processing")
				continue
			}
			row.Status = QueueFailed
			row.Error = err.Error()
			row.UpdatedAt = time.Now()
			if perr := u.putRow(row); perr != nil {
				u.log.WithError(perr).Warn("failed-row update lost")
			}
			continue
		}
		row.Status = QueueCompleted
		row.Error = ""
		row.UpdatedAt = time.Now()
		if perr := u.putRow(row); perr != nil {
			u.log.WithError(perr).Warn("completed-row update lost")
		}
		done++
	}
	return done, nil
}

func (u *Updater) rebuild(row *QueueRow) error {
	subj := SubjectRef{Type: row.SubjType, ID: row.SubjID}
	ctx := cmn.NewContext(row.SubjType, row.SubjID, row.Zone)
	resources := u.tiger.ResMap().All(row.ResType, row.Zone)
	ids := make([]uint32, 0, len(resources))
	for _, r := range resources {
		allowed, err := u.engine.checkViaStore(ctx, row.Perm, ObjectRef{Type: row.ResType, ID: r.ID})
		if err != nil {
			return err
		}
		if allowed {
			intID, ok := u.tiger.ResMap().Lookup(r.Type, r.ID, r.Zone)
			if !ok {
				continue
			}
			ids = append(ids, intID)
		}
	}
	rev := uint64(0)
	if u.revOf != nil {
		rev = u.revOf(row.Zone)
	}
	return u.tiger.Update(subj, row.Perm, row.ResType, row.Zone, ids, rev)
}

// CleanupCompleted reaps completed rows older than the given age; returns
// the number removed.
func (u *Updater) CleanupCompleted(olderThan time.Duration) (int, error) {
	return u.reap(func(r *QueueRow) bool {
		return r.Status == QueueCompleted && time.Since(r.UpdatedAt) > olderThan
	})
}

// ReapStaleProcessing requeues rows stuck in processing longer than maxAge
// (repeated lock failures); returns the number requeued.
func (u *Updater) ReapStaleProcessing(maxAge time.Duration) (int, error) {
	rows, err := u.list(func(r *QueueRow) bool {
		return r.Status == QueueProcessing && time.Since(r.UpdatedAt) > maxAge
	})
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		r.Status = QueuePending
		r.UpdatedAt = time.Now()
		if err := u.putRow(r); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// Rows returns a snapshot of the queue (tests, introspection).
func (u *Updater) Rows() ([]*QueueRow, error) {
	return u.list(func(*QueueRow) bool { return true })
}

//
// queue persistence
//

func (u *Updater) putRow(row *QueueRow) error {
	raw, err := jsonAPI.Marshal(row)
	if err != nil {
		return err
	}
	return u.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(queueKeyPrefix+row.ID, string(raw), nil)
		return err
	})
}

func (u *Updater) list(keep func(*QueueRow) bool) ([]*QueueRow, error) {
	var out []*QueueRow
	err := u.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(queueKeyPrefix+"*", func(_, v string) bool {
			row := &QueueRow{}
			if err := jsonAPI.Unmarshal([]byte(v), row); err != nil {
				return true
			}
			if keep(row) {
				out = append(out, row)
			}
			return true
		})
	})
	return out, err
}

func (u *Updater) claim(batch int) ([]*QueueRow, error) {
	pending, err := u.list(func(r *QueueRow) bool { return r.Status == QueuePending })
	if err != nil {
		return nil, err
	}
	// highest priority first, then FIFO
	for i := 1; i < len(pending); i++ {
		for j := i; j > 0; j-- {
			a, b := pending[j-1], pending[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.CreatedAt.Before(a.CreatedAt)) {
				pending[j-1], pending[j] = b, a
			}
		}
	}
	if batch > 0 && len(pending) > batch {
		pending = pending[:batch]
	}
	for _, r := range pending {
		r.Status = QueueProcessing
		r.UpdatedAt = time.Now()
		if err := u.putRow(r); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func (u *Updater) reap(doomed func(*QueueRow) bool) (int, error) {
	rows, err := u.list(doomed)
	if err != nil {
		return 0, err
	}
	n := 0
	err = u.db.Update(func(tx *buntdb.Tx) error {
		for _, r := range rows {
			if _, err := tx.Delete(queueKeyPrefix + r.ID); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "timeout") && strings.Contains(msg, "lock")
}

// checkViaStore resolves a permission through the tuple walk only, skipping
// both cache tiers; rebuilds must not read the caches they repopulate.
func (e *Engine) checkViaStore(ctx *cmn.OperationContext, perm Permission, obj ObjectRef) (bool, error) {
	if !e.conf.Enforce {
		return true, nil
	}
	subj := SubjectRef{Type: ctx.Subject.Type, ID: ctx.Subject.ID}
	d, err := e.checkReBAC(subj, perm, obj, ctx.ZoneID)
	return d.Allowed, err
}
