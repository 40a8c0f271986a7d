package lock

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/kbokarius/go-oiot/v1/config"
	oioterrors "github.com/kbokarius/go-oiot/v1/errors"
	"github.com/kbokarius/go-oiot/v1/metrics"
	"github.com/kbokarius/go-oiot/v1/store"
)

// Record is the persisted form of a lock, written into the locks collection
// under the key config.LockKey(Collection, Key).
type Record struct {
	JobID        string    `json:"job_id"`
	JobTimestamp time.Time `json:"job_timestamp"`
	Timestamp    time.Time `json:"timestamp"`
	Collection   string    `json:"collection"`
	Key          string    `json:"key"`
}

// Lock is an acquired lock. It is owned by the acquiring manager and must be
// released through it.
type Lock struct {
	Record
	ref store.Ref
}

// Ref returns the store version token of the lock record.
func (l *Lock) Ref() store.Ref { return l.ref }

// Manager creates and removes lock records for one owner (a job, or a
// transient direct operation). It is not safe for concurrent use; each job
// holds its own manager.
type Manager struct {
	store store.Store
	cfg   config.Config
	held  []*Lock
	now   func() time.Time
}

// NewManager returns a Manager writing through st.
func NewManager(st store.Store, cfg config.Config) *Manager {
	return &Manager{store: st, cfg: cfg, now: time.Now}
}

// Acquire CAS-creates the lock record for (collection, key). If another
// owner already holds it, oioterrors.ErrCollectionKeyLocked is returned.
// Re-acquiring a key this manager already holds returns the existing lock
// without a store round trip.
func (m *Manager) Acquire(ctx context.Context, collection, key, jobID string, jobStarted time.Time) (*Lock, error) {
	for _, l := range m.held {
		if l.Collection == collection && l.Key == key {
			return l, nil
		}
	}
	l := &Lock{Record: Record{
		JobID:        jobID,
		JobTimestamp: jobStarted.UTC(),
		Timestamp:    m.now().UTC(),
		Collection:   collection,
		Key:          key,
	}}
	value, err := json.Marshal(l.Record)
	if err != nil {
		return nil, err
	}
	ref, err := m.store.Put(ctx, m.cfg.LocksCollection, config.LockKey(collection, key), value, store.IfAbsent())
	if err != nil {
		if stdErrors.Is(err, store.ErrCASMismatch) {
			metrics.LockContentionCounter.Inc()
			return nil, oioterrors.ErrCollectionKeyLocked
		}
		return nil, err
	}
	l.ref = ref
	m.held = append(m.held, l)
	metrics.LockAcquiredCounter.Inc()
	return l, nil
}

// Release CAS-deletes the lock record. The lock is dropped from the manager
// even when the delete fails; the curator is the backstop for records left
// behind. The store error is returned so callers can decide whether it
// matters (completion does, rollback does not).
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	for i, h := range m.held {
		if h == l {
			m.held = append(m.held[:i], m.held[i+1:]...)
			break
		}
	}
	err := m.store.Delete(ctx, m.cfg.LocksCollection, config.LockKey(l.Collection, l.Key), store.IfRef(l.ref))
	if stdErrors.Is(err, store.ErrNotFound) {
		// Already removed, likely by the curator.
		return nil
	}
	return err
}

// ReleaseAll releases every held lock, stopping at the first failure.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	for len(m.held) > 0 {
		if err := m.Release(ctx, m.held[0]); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAllQuietly releases every held lock, ignoring failures.
func (m *Manager) ReleaseAllQuietly(ctx context.Context) {
	for len(m.held) > 0 {
		_ = m.Release(ctx, m.held[0])
	}
}

// Held returns the locks currently held by this manager.
func (m *Manager) Held() []*Lock {
	return m.held
}
