package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kbokarius/go-oiot/v1/config"
	oioterrors "github.com/kbokarius/go-oiot/v1/errors"
	"github.com/kbokarius/go-oiot/v1/journal"
	"github.com/kbokarius/go-oiot/v1/notify"
	"github.com/kbokarius/go-oiot/v1/store"
)

// flakyStore wraps a Store and fails selected operations on demand.
type flakyStore struct {
	store.Store
	failPut    func(collection, key string) error
	failDelete func(collection, key string) error
	calls      int
}

func (f *flakyStore) Put(ctx context.Context, collection, key string, value json.RawMessage, cond store.Condition) (store.Ref, error) {
	f.calls++
	if f.failPut != nil {
		if err := f.failPut(collection, key); err != nil {
			return "", err
		}
	}
	return f.Store.Put(ctx, collection, key, value, cond)
}

func (f *flakyStore) Delete(ctx context.Context, collection, key string, cond store.Condition) error {
	f.calls++
	if f.failDelete != nil {
		if err := f.failDelete(collection, key); err != nil {
			return err
		}
	}
	return f.Store.Delete(ctx, collection, key, cond)
}

func (f *flakyStore) Get(ctx context.Context, collection, key string) (json.RawMessage, store.Ref, error) {
	f.calls++
	return f.Store.Get(ctx, collection, key)
}

func newJob(t *testing.T, st store.Store, opts ...Option) *Job {
	t.Helper()
	j, err := New(st, config.Default(), opts...)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return j
}

func TestPutCompleteLeavesNoResidue(t *testing.T) {
	st := store.NewInMemoryStore()
	cfg := config.Default()
	j := newJob(t, st)
	ctx := context.Background()

	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`{"a":1}`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Lock and job records exist mid-flight.
	if _, _, err := st.Get(ctx, cfg.LocksCollection, "x-k"); err != nil {
		t.Fatalf("lock record missing mid-job: %v", err)
	}
	if _, _, err := st.Get(ctx, cfg.JobsCollection, j.ID()); err != nil {
		t.Fatalf("job record missing mid-job: %v", err)
	}

	if err := j.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j.Status() != StatusCompleted {
		t.Fatalf("status: %v", j.Status())
	}

	val, _, err := st.Get(ctx, "x", "k")
	if err != nil || string(val) != `{"a":1}` {
		t.Fatalf("value after complete: %s %v", val, err)
	}
	if _, _, err := st.Get(ctx, cfg.LocksCollection, "x-k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lock record left behind: %v", err)
	}
	if _, _, err := st.Get(ctx, cfg.JobsCollection, j.ID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job record left behind: %v", err)
	}
}

// A post of a new key plus a put over an existing key, then a failure before
// Complete. Everything must revert.
func TestRollbackRestoresPreJobState(t *testing.T) {
	base := store.NewInMemoryStore()
	cfg := config.Default()
	ctx := context.Background()

	if _, err := base.Put(ctx, "x", "k2", json.RawMessage(`{"orig":true}`), store.IfAbsent()); err != nil {
		t.Fatalf("seed k2: %v", err)
	}

	boom := errors.New("store blew up")
	fs := &flakyStore{Store: base}
	j := newJob(t, fs)

	k1, _, err := j.Post(ctx, "x", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := j.Put(ctx, "x", "k2", json.RawMessage(`{"b":2}`), store.Condition{}); err != nil {
		t.Fatalf("put k2: %v", err)
	}

	// Next mutation fails at the store; the job must roll back.
	fs.failPut = func(collection, key string) error {
		if collection == "x" && key == "k3" {
			return boom
		}
		return nil
	}
	_, err = j.Put(ctx, "x", "k3", json.RawMessage(`{"c":3}`), store.Condition{})
	var rb *oioterrors.RollbackError
	if !errors.As(err, &rb) {
		t.Fatalf("want RollbackError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("causing error lost: %v", err)
	}
	if j.Status() != StatusRolledBack {
		t.Fatalf("status: %v", j.Status())
	}

	if _, _, err := base.Get(ctx, "x", k1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("posted key not removed: %v", err)
	}
	val, _, err := base.Get(ctx, "x", "k2")
	if err != nil || string(val) != `{"orig":true}` {
		t.Fatalf("k2 not restored: %s %v", val, err)
	}
	for _, lk := range []string{"x-" + k1, "x-k2", "x-k3"} {
		if _, _, err := base.Get(ctx, cfg.LocksCollection, lk); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("lock %s left behind: %v", lk, err)
		}
	}
	if _, _, err := base.Get(ctx, cfg.JobsCollection, j.ID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job record left behind: %v", err)
	}
}

// An independent writer moves a key after the job wrote it; rollback must
// not clobber the newer value.
func TestRollbackDoesNotClobberIndependentWriter(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()

	if _, err := st.Put(ctx, "x", "k", json.RawMessage(`{"v":1}`), store.IfAbsent()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j := newJob(t, st)
	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`{"v":1.5}`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Writer outside any job overwrites the key directly.
	if _, err := st.Put(ctx, "x", "k", json.RawMessage(`{"v":2}`), store.Condition{}); err != nil {
		t.Fatalf("external write: %v", err)
	}
	if err := j.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	val, _, err := st.Get(ctx, "x", "k")
	if err != nil || string(val) != `{"v":2}` {
		t.Fatalf("newer value clobbered: %s %v", val, err)
	}
}

func TestLockContentionBetweenJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	a := newJob(t, st)
	b := newJob(t, st)

	if _, err := a.Put(ctx, "x", "k", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("a put: %v", err)
	}
	_, err := b.Put(ctx, "x", "k", json.RawMessage(`2`), store.Condition{})
	if !errors.Is(err, oioterrors.ErrCollectionKeyLocked) {
		t.Fatalf("want ErrCollectionKeyLocked inside rollback outcome, got %v", err)
	}
	if b.Status() != StatusRolledBack {
		t.Fatalf("b status: %v", b.Status())
	}

	// After A completes, the key is free again.
	if err := a.Complete(ctx); err != nil {
		t.Fatalf("a complete: %v", err)
	}
	c := newJob(t, st)
	if _, err := c.Put(ctx, "x", "k", json.RawMessage(`3`), store.Condition{}); err != nil {
		t.Fatalf("c put after release: %v", err)
	}
}

func TestGetLocksWithoutJournaling(t *testing.T) {
	st := store.NewInMemoryStore()
	cfg := config.Default()
	ctx := context.Background()
	if _, err := st.Put(ctx, "x", "k", json.RawMessage(`{"v":1}`), store.IfAbsent()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j := newJob(t, st)
	val, ref, err := j.Get(ctx, "x", "k")
	if err != nil || string(val) != `{"v":1}` || ref == "" {
		t.Fatalf("get: %s %q %v", val, ref, err)
	}
	if _, _, err := st.Get(ctx, cfg.LocksCollection, "x-k"); err != nil {
		t.Fatalf("get did not lock: %v", err)
	}
	// A read-only job persists no job record.
	if _, _, err := st.Get(ctx, cfg.JobsCollection, j.ID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("read-only job persisted a record: %v", err)
	}
}

func TestDeleteJournalsSentinelAndRollsBack(t *testing.T) {
	base := store.NewInMemoryStore()
	cfg := config.Default()
	ctx := context.Background()
	if _, err := base.Put(ctx, "x", "k", json.RawMessage(`{"keep":1}`), store.IfAbsent()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j := newJob(t, base)
	if err := j.Delete(ctx, "x", "k", store.Condition{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	raw, _, err := base.Get(ctx, cfg.JobsCollection, j.ID())
	if err != nil {
		t.Fatalf("job record: %v", err)
	}
	var rec journal.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rec.Entries) != 1 || !config.IsDeletedValue(rec.Entries[0].NewValue) {
		t.Fatalf("sentinel not journaled: %+v", rec.Entries)
	}

	if err := j.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	val, _, err := base.Get(ctx, "x", "k")
	if err != nil || string(val) != `{"keep":1}` {
		t.Fatalf("deleted key not restored: %s %v", val, err)
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	st := store.NewInMemoryStore()
	j := newJob(t, st)
	err := j.Delete(context.Background(), "x", "missing", store.Condition{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound inside rollback outcome, got %v", err)
	}
	if j.Status() != StatusRolledBack {
		t.Fatalf("status: %v", j.Status())
	}
}

func TestTerminalJobFailsFastWithoutStoreIO(t *testing.T) {
	base := store.NewInMemoryStore()
	fs := &flakyStore{Store: base}
	ctx := context.Background()

	j := newJob(t, fs)
	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := j.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	calls := fs.calls
	if err := j.Complete(ctx); !errors.Is(err, oioterrors.ErrJobCompleted) {
		t.Fatalf("second complete: %v", err)
	}
	if err := j.Rollback(ctx); !errors.Is(err, oioterrors.ErrJobCompleted) {
		t.Fatalf("rollback after complete: %v", err)
	}
	if _, err := j.Put(ctx, "x", "k2", json.RawMessage(`1`), store.Condition{}); !errors.Is(err, oioterrors.ErrJobCompleted) {
		t.Fatalf("put after complete: %v", err)
	}
	if fs.calls != calls {
		t.Fatalf("terminal job performed %d store calls", fs.calls-calls)
	}
}

func TestJobTimesOutLazily(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	clock := func() time.Time { return now }
	j := newJob(t, st, WithClock(clock))
	ctx := context.Background()

	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(config.Default().MaxJobDuration + time.Second)
	if _, err := j.Put(ctx, "x", "k2", json.RawMessage(`2`), store.Condition{}); !errors.Is(err, oioterrors.ErrJobTimedOut) {
		t.Fatalf("want ErrJobTimedOut, got %v", err)
	}
	// Timed-out is not a terminal status; it is re-detected on each call.
	if j.Status() != StatusActive {
		t.Fatalf("status: %v", j.Status())
	}
	if err := j.Complete(ctx); !errors.Is(err, oioterrors.ErrJobTimedOut) {
		t.Fatalf("complete after timeout: %v", err)
	}
}

func TestRollbackFailureMarksJobFailed(t *testing.T) {
	base := store.NewInMemoryStore()
	ctx := context.Background()
	if _, err := base.Put(ctx, "x", "k", json.RawMessage(`"orig"`), store.IfAbsent()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fs := &flakyStore{Store: base}
	j := newJob(t, fs)
	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`"new"`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Both the triggering put and the restoring put fail.
	boom := errors.New("real failure")
	rbBoom := errors.New("rollback failure")
	fs.failPut = func(collection, key string) error {
		if key == "k2" {
			return boom
		}
		if key == "k" {
			return rbBoom
		}
		return nil
	}
	_, err := j.Put(ctx, "x", "k2", json.RawMessage(`1`), store.Condition{})
	var rf *oioterrors.RollbackFailure
	if !errors.As(err, &rf) {
		t.Fatalf("want RollbackFailure, got %v", err)
	}
	if !errors.Is(rf.Err, rbBoom) || !errors.Is(rf.Cause, boom) {
		t.Fatalf("payload lost: err=%v cause=%v", rf.Err, rf.Cause)
	}
	if j.Status() != StatusFailed {
		t.Fatalf("status: %v", j.Status())
	}
	if _, err := j.Put(ctx, "x", "k3", json.RawMessage(`1`), store.Condition{}); !errors.Is(err, oioterrors.ErrJobFailed) {
		t.Fatalf("put after failure: %v", err)
	}
}

func TestCompletionFailureMarksJobFailed(t *testing.T) {
	base := store.NewInMemoryStore()
	fs := &flakyStore{Store: base}
	ctx := context.Background()
	j := newJob(t, fs)
	if _, err := j.Put(ctx, "x", "k", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	boom := errors.New("release failed")
	fs.failDelete = func(collection, key string) error { return boom }

	err := j.Complete(ctx)
	var cf *oioterrors.CompletionFailure
	if !errors.As(err, &cf) || !errors.Is(cf.Err, boom) {
		t.Fatalf("want CompletionFailure carrying cause, got %v", err)
	}
	if j.Status() != StatusFailed {
		t.Fatalf("status: %v", j.Status())
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	st := store.NewInMemoryStore()
	bus := notify.NewInMemoryBus()
	ctx := context.Background()

	done, err := bus.Subscribe(ctx, notify.SubjectJobCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rolled, err := bus.Subscribe(ctx, notify.SubjectJobRolledBack)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	a := newJob(t, st, WithBus(bus))
	if _, err := a.Put(ctx, "x", "k", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := a.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	select {
	case ev := <-done:
		if string(ev.Payload) != a.ID() {
			t.Fatalf("completed payload: %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no completed event")
	}

	b := newJob(t, st, WithBus(bus))
	if _, err := b.Put(ctx, "x", "k2", json.RawMessage(`1`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	select {
	case ev := <-rolled:
		if string(ev.Payload) != b.ID() {
			t.Fatalf("rolled back payload: %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no rolled back event")
	}
}

func TestJobAgainstRedisStore(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()
	cfg := config.Default()

	if _, err := st.Put(ctx, "x", "k2", json.RawMessage(`{"orig":true}`), store.IfAbsent()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j := newJob(t, st)
	k1, _, err := j.Post(ctx, "x", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := j.Put(ctx, "x", "k2", json.RawMessage(`{"b":2}`), store.Condition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := j.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, _, err := st.Get(ctx, "x", k1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("posted key survived rollback: %v", err)
	}
	val, _, err := st.Get(ctx, "x", "k2")
	if err != nil || string(val) != `{"orig":true}` {
		t.Fatalf("k2 not restored: %s %v", val, err)
	}
	items, err := st.List(ctx, cfg.LocksCollection)
	if err != nil || len(items) != 0 {
		t.Fatalf("locks left behind: %v %+v", err, items)
	}
}
