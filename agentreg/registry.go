// Package agentreg is the authoritative agent registry: a per-agent state
// machine with generation counters under optimistic concurrency, a buffered
// heartbeat path, and the stale-session check every authenticated mutation
// goes through.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package agentreg

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"

	"github.com/nexi-lab/nexus/cmn"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// State is an agent lifecycle state.
type State string

const (
	StateUnknown   State = "UNKNOWN"
	StateConnected State = "CONNECTED"
	StateIdle      State = "IDLE"
	StateSuspended State = "SUSPENDED"
)

const agentKeyPrefix = "agent:"

// Memory is the buntdb in-memory path.
const Memory = ":memory:"

type (
	// Record is one agent's registry row. generation bumps only on the
	// session-opening transitions (UNKNOWN|IDLE|SUSPENDED -> CONNECTED).
	Record struct {
		AgentID       string            `json:"agent_id"`
		OwnerID       string            `json:"owner_id"`
		ZoneID        string            `json:"zone_id,omitempty"`
		Name          string            `json:"name,omitempty"`
		Metadata      map[string]string `json:"metadata,omitempty"`
		State         State             `json:"state"`
		Generation    uint64            `json:"generation"`
		LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
		CreatedAt     time.Time         `json:"created_at"`
		UpdatedAt     time.Time         `json:"updated_at"`
	}

	// Registry owns the agent rows. Transitions run inside one buntdb
	// update transaction, conditioned on the caller's expected generation.
	Registry struct {
		db  *buntdb.DB
		log *logrus.Entry

		hbMu sync.Mutex
		hb   map[string]time.Time // agent id -> latest buffered heartbeat
	}
)

// bumpsGeneration reports whether the transition opens a new session.
func bumpsGeneration(from, to State) bool {
	return to == StateConnected && (from == StateUnknown || from == StateIdle || from == StateSuspended)
}

// allowedTransition is the state machine's edge table.
func allowedTransition(from, to State) bool {
	switch from {
	case StateUnknown:
		return to == StateConnected
	case StateConnected:
		return to == StateIdle || to == StateSuspended
	case StateIdle:
		return to == StateConnected
	case StateSuspended:
		return to == StateConnected
	}
	return false
}

// New opens the registry at path (agentreg.Memory for ephemeral).
func New(path string, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "agent registry open")
	}
	return &Registry{
		db:  db,
		log: log.WithField("module", "agentreg"),
		hb:  make(map[string]time.Time),
	}, nil
}

// Close flushes buffered heartbeats and releases the database.
func (r *Registry) Close() error {
	if _, err := r.FlushHeartbeats(); err != nil {
		r.log.WithError(err).Warn("final heartbeat flush failed")
	}
	return r.db.Close()
}

// Register creates the agent in UNKNOWN at generation 0. Re-registering an
// existing id returns AlreadyExists.
func (r *Registry) Register(agentID, ownerID, zoneID, name string, metadata map[string]string) (*Record, error) {
	if agentID == "" || ownerID == "" {
		return nil, cmn.NewErrValidation("agent_id and owner_id are required")
	}
	now := time.Now()
	rec := &Record{
		AgentID:   agentID,
		OwnerID:   ownerID,
		ZoneID:    zoneID,
		Name:      name,
		Metadata:  metadata,
		State:     StateUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := jsonAPI.Marshal(rec)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(agentKeyPrefix + agentID); err == nil {
			return cmn.NewErrAlreadyExists("agent %s", agentID)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(agentKeyPrefix+agentID, string(raw), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the agent record.
func (r *Registry) Get(agentID string) (*Record, error) {
	var rec *Record
	err := r.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(agentKeyPrefix + agentID)
		if err == buntdb.ErrNotFound {
			return cmn.NewErrNotFound("agent %s", agentID)
		}
		if err != nil {
			return err
		}
		rec = &Record{}
		return jsonAPI.Unmarshal([]byte(raw), rec)
	})
	return rec, err
}

// Transition moves the agent to target under optimistic concurrency: the
// row's generation must still equal expectedGeneration when the row lock is
// taken, or StaleAgent is returned. Disallowed edges fail with
// InvalidTransition and no state change.
func (r *Registry) Transition(agentID string, target State, expectedGeneration uint64) (*Record, error) {
	var rec *Record
	err := r.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(agentKeyPrefix + agentID)
		if err == buntdb.ErrNotFound {
			return cmn.NewErrNotFound("agent %s", agentID)
		}
		if err != nil {
			return err
		}
		rec = &Record{}
		if err := jsonAPI.Unmarshal([]byte(raw), rec); err != nil {
			return err
		}
		if rec.Generation != expectedGeneration {
			return cmn.NewErrStaleAgent("agent %s: generation %d, expected %d",
				agentID, rec.Generation, expectedGeneration)
		}
		if !allowedTransition(rec.State, target) {
			return cmn.NewErrInvalidTransition("agent %s: %s -> %s", agentID, rec.State, target)
		}
		if bumpsGeneration(rec.State, target) {
			rec.Generation++
		}
		rec.State = target
		rec.UpdatedAt = time.Now()
		out, err := jsonAPI.Marshal(rec)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(agentKeyPrefix+agentID, string(out), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat buffers a liveness signal; O(1), no I/O.
func (r *Registry) Heartbeat(agentID string) {
	r.hbMu.Lock()
	r.hb[agentID] = time.Now()
	r.hbMu.Unlock()
}

// FlushHeartbeats batch-applies every buffered heartbeat in one
// transaction; returns the number of rows updated. Unknown agents are
// dropped silently (they may have unregistered since buffering).
func (r *Registry) FlushHeartbeats() (int, error) {
	r.hbMu.Lock()
	if len(r.hb) == 0 {
		r.hbMu.Unlock()
		return 0, nil
	}
	batch := r.hb
	r.hb = make(map[string]time.Time)
	r.hbMu.Unlock()

	n := 0
	err := r.db.Update(func(tx *buntdb.Tx) error {
		for id, at := range batch {
			raw, err := tx.Get(agentKeyPrefix + id)
			if err == buntdb.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			rec := &Record{}
			if err := jsonAPI.Unmarshal([]byte(raw), rec); err != nil {
				return err
			}
			at := at
			rec.LastHeartbeat = &at
			rec.UpdatedAt = time.Now()
			out, err := jsonAPI.Marshal(rec)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(agentKeyPrefix+id, string(out), nil); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		// the batch is lost from the buffer; re-buffer so the next flush
		// retries rather than dropping liveness
		r.hbMu.Lock()
		for id, at := range batch {
			if _, fresher := r.hb[id]; !fresher {
				r.hb[id] = at
			}
		}
		r.hbMu.Unlock()
		return 0, err
	}
	return n, nil
}

// RunHeartbeatFlusher flushes on every tick until stop is closed, then
// flushes once more.
func (r *Registry) RunHeartbeatFlusher(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := r.FlushHeartbeats(); err != nil {
				r.log.WithError(err).Warn("heartbeat flush failed")
			}
		case <-stop:
			if _, err := r.FlushHeartbeats(); err != nil {
				r.log.WithError(err).Warn("final heartbeat flush failed")
			}
			return
		}
	}
}

// ListByZone returns the zone's agents, optionally restricted to one state.
func (r *Registry) ListByZone(zoneID string, state State) ([]*Record, error) {
	var out []*Record
	err := r.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(agentKeyPrefix+"*", func(_, v string) bool {
			rec := &Record{}
			if err := jsonAPI.Unmarshal([]byte(v), rec); err != nil {
				return true
			}
			if rec.ZoneID != zoneID {
				return true
			}
			if state != "" && rec.State != state {
				return true
			}
			out = append(out, rec)
			return true
		})
	})
	return out, err
}

// DetectStale returns agents whose last heartbeat (buffered or flushed) is
// older than threshold; agents that never heartbeat are reported stale.
func (r *Registry) DetectStale(threshold time.Duration) ([]*Record, error) {
	cutoff := time.Now().Add(-threshold)
	r.hbMu.Lock()
	buffered := make(map[string]time.Time, len(r.hb))
	for id, at := range r.hb {
		buffered[id] = at
	}
	r.hbMu.Unlock()

	var out []*Record
	err := r.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(agentKeyPrefix+"*", func(_, v string) bool {
			rec := &Record{}
			if err := jsonAPI.Unmarshal([]byte(v), rec); err != nil {
				return true
			}
			last := rec.LastHeartbeat
			if at, ok := buffered[rec.AgentID]; ok && (last == nil || at.After(*last)) {
				last = &at
			}
			if last == nil || last.Before(cutoff) {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

// Unregister deletes the agent; false when it was not registered. Any
// in-flight session detects the deletion on its next stale check.
func (r *Registry) Unregister(agentID string) (bool, error) {
	deleted := false
	err := r.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(agentKeyPrefix + agentID)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	r.hbMu.Lock()
	delete(r.hb, agentID)
	r.hbMu.Unlock()
	return deleted, nil
}

// CheckStaleSession validates the context's agent session against the
// registry: missing record or generation mismatch means the session token
// predates a newer one. Non-agent subjects pass unchecked, as does a nil
// registry.
func CheckStaleSession(r *Registry, ctx *cmn.OperationContext) error {
	if r == nil || ctx == nil || !ctx.IsAgent() {
		return nil
	}
	rec, err := r.Get(ctx.Subject.ID)
	if err != nil {
		if errors.Is(err, cmn.ErrNotFound) {
			return cmn.NewErrStaleSession("agent %s is not registered", ctx.Subject.ID)
		}
		return err
	}
	if rec.Generation != ctx.SessionGeneration {
		return cmn.NewErrStaleSession("agent %s: session generation %d, current %d",
			ctx.Subject.ID, ctx.SessionGeneration, rec.Generation)
	}
	return nil
}
