package journal

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/kbokarius/go-oiot/v1/config"
	"github.com/kbokarius/go-oiot/v1/store"
)

// Entry records the before/after state of one key within a job. A null
// OriginalValue means the key did not exist before the job touched it; the
// reserved deleted-object marker as NewValue means the job deleted the key.
type Entry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Collection    string          `json:"collection"`
	Key           string          `json:"key"`
	OriginalValue json.RawMessage `json:"original_value"`
	NewValue      json.RawMessage `json:"new_value"`
}

// Record is the persisted form of a job: its identity, start time and every
// journal entry so far. It is stored as a single document in the jobs
// collection under the job id, so each append commits the whole journal in
// one round trip.
type Record struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Entries   []Entry   `json:"items"`
}

// LivenessFunc is consulted before every store round trip made during a
// rollback. Returning an error abandons the rollback mid-flight: for a job
// this is the timeout check, for the curator its heartbeat.
type LivenessFunc func(ctx context.Context) error

// Journal accumulates entries for one job and keeps the persisted job
// record up to date. Owned by a single job; not safe for concurrent use.
type Journal struct {
	store     store.Store
	cfg       config.Config
	rec       Record
	ref       store.Ref
	persisted bool
	now       func() time.Time
}

// New returns an empty journal for the given job.
func New(st store.Store, cfg config.Config, jobID string, started time.Time) *Journal {
	return &Journal{
		store: st,
		cfg:   cfg,
		rec:   Record{JobID: jobID, Timestamp: started.UTC()},
		now:   time.Now,
	}
}

// Len returns the number of journaled entries.
func (j *Journal) Len() int { return len(j.rec.Entries) }

// Entries returns the journaled entries, oldest first.
func (j *Journal) Entries() []Entry { return j.rec.Entries }

// Persisted reports whether the job record exists in the store.
func (j *Journal) Persisted() bool { return j.persisted }

// RecordMutation journals a mutation of (collection, key) and persists the
// full job record. The current stored value is read here, ignoring any
// caller-held ref, so the entry captures true pre-mutation state; a missing
// key records a null original. Touching the same key twice overwrites the
// entry's new value but never its original.
func (j *Journal) RecordMutation(ctx context.Context, collection, key string, newValue json.RawMessage) error {
	if e := j.find(collection, key); e != nil {
		e.NewValue = append(json.RawMessage(nil), newValue...)
		e.Timestamp = j.now().UTC()
		return j.persist(ctx)
	}
	original, _, err := j.store.Get(ctx, collection, key)
	if err != nil {
		if !stdErrors.Is(err, store.ErrNotFound) {
			return err
		}
		original = json.RawMessage("null")
	}
	j.rec.Entries = append(j.rec.Entries, Entry{
		Timestamp:     j.now().UTC(),
		Collection:    collection,
		Key:           key,
		OriginalValue: original,
		NewValue:      append(json.RawMessage(nil), newValue...),
	})
	return j.persist(ctx)
}

func (j *Journal) find(collection, key string) *Entry {
	for i := range j.rec.Entries {
		if j.rec.Entries[i].Collection == collection && j.rec.Entries[i].Key == key {
			return &j.rec.Entries[i]
		}
	}
	return nil
}

// persist writes the whole record in one CAS put: create-only the first
// time, ref-conditioned afterwards.
func (j *Journal) persist(ctx context.Context) error {
	value, err := json.Marshal(j.rec)
	if err != nil {
		return err
	}
	cond := store.IfAbsent()
	if j.persisted {
		cond = store.IfRef(j.ref)
	}
	ref, err := j.store.Put(ctx, j.cfg.JobsCollection, j.rec.JobID, value, cond)
	if err != nil {
		return err
	}
	j.ref = ref
	j.persisted = true
	return nil
}

// Rollback undoes every journaled entry, oldest first, consulting alive
// before each store round trip.
func (j *Journal) Rollback(ctx context.Context, alive LivenessFunc) error {
	for _, e := range j.rec.Entries {
		if err := RollbackEntry(ctx, j.store, e, alive); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRecord removes the persisted job record. A record the curator
// already removed counts as success.
func (j *Journal) DeleteRecord(ctx context.Context) error {
	if !j.persisted {
		return nil
	}
	err := j.store.Delete(ctx, j.cfg.JobsCollection, j.rec.JobID, store.IfRef(j.ref))
	if stdErrors.Is(err, store.ErrNotFound) {
		err = nil
	}
	if err == nil {
		j.persisted = false
	}
	return err
}

// RollbackEntry undoes a single journal entry. The undo is conservative: a
// value written by a later, independent writer is never clobbered, and CAS
// misses on the restoring write mean exactly that a newer write happened, so
// they are swallowed. The steps:
//
//  1. If nothing observably changed, do nothing.
//  2. Fetch current state. If it no longer matches what this entry wrote
//     (value changed, key removed, or a deleted key recreated), do nothing.
//  3. Otherwise restore the original value, or delete the key if the entry
//     created it, CAS'd against the fetched ref.
func RollbackEntry(ctx context.Context, st store.Store, e Entry, alive LivenessFunc) error {
	isDelete := config.IsDeletedValue(e.NewValue)
	if !isDelete && jsonEqual(e.OriginalValue, e.NewValue) {
		return nil
	}
	if err := checkAlive(ctx, alive); err != nil {
		return err
	}
	cur, ref, err := st.Get(ctx, e.Collection, e.Key)
	notFound := stdErrors.Is(err, store.ErrNotFound)
	if err != nil && !notFound {
		return err
	}
	if !isDelete {
		if notFound {
			// Something else already removed the key.
			return nil
		}
		if !jsonEqual(cur, e.NewValue) {
			// A later writer moved the key on.
			return nil
		}
	} else if !notFound {
		// The job deleted the key but someone recreated it since.
		return nil
	}

	if !isNull(e.OriginalValue) {
		cond := store.IfRef(ref)
		if notFound {
			cond = store.IfAbsent()
		}
		if err := checkAlive(ctx, alive); err != nil {
			return err
		}
		if _, err := st.Put(ctx, e.Collection, e.Key, e.OriginalValue, cond); err != nil {
			if stdErrors.Is(err, store.ErrCASMismatch) {
				return nil
			}
			return err
		}
		return nil
	}

	// Null original: the job created the key, so undo is deletion.
	if notFound {
		return nil
	}
	if err := checkAlive(ctx, alive); err != nil {
		return err
	}
	if err := st.Delete(ctx, e.Collection, e.Key, store.IfRef(ref)); err != nil {
		if stdErrors.Is(err, store.ErrCASMismatch) || stdErrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func checkAlive(ctx context.Context, alive LivenessFunc) error {
	if alive == nil {
		return nil
	}
	return alive(ctx)
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func jsonEqual(a, b json.RawMessage) bool {
	var ab, bb bytes.Buffer
	if json.Compact(&ab, a) != nil || json.Compact(&bb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ab.Bytes(), bb.Bytes())
}
