package lock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kbokarius/go-oiot/v1/config"
	oioterrors "github.com/kbokarius/go-oiot/v1/errors"
	"github.com/kbokarius/go-oiot/v1/store"
)

func newManager(t *testing.T) (*Manager, *store.InMemoryStore, config.Config) {
	t.Helper()
	st := store.NewInMemoryStore()
	cfg := config.Default()
	return NewManager(st, cfg), st, cfg
}

func TestAcquireWritesLockRecord(t *testing.T) {
	m, st, cfg := newManager(t)
	ctx := context.Background()
	started := time.Now()

	l, err := m.Acquire(ctx, "users", "bob", "JOB1", started)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Ref() == "" {
		t.Fatal("lock has no ref")
	}

	raw, _, err := st.Get(ctx, cfg.LocksCollection, "users-bob")
	if err != nil {
		t.Fatalf("lock record missing: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.JobID != "JOB1" || rec.Collection != "users" || rec.Key != "bob" {
		t.Fatalf("record fields: %+v", rec)
	}
}

func TestAcquireContention(t *testing.T) {
	m1, st, cfg := newManager(t)
	m2 := NewManager(st, cfg)
	ctx := context.Background()

	if _, err := m1.Acquire(ctx, "users", "bob", "A", time.Now()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m2.Acquire(ctx, "users", "bob", "B", time.Now()); !errors.Is(err, oioterrors.ErrCollectionKeyLocked) {
		t.Fatalf("want ErrCollectionKeyLocked, got %v", err)
	}
}

func TestAcquireIdempotentWithinManager(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	l1, err := m.Acquire(ctx, "users", "bob", "A", time.Now())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l2, err := m.Acquire(ctx, "users", "bob", "A", time.Now())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if l1 != l2 {
		t.Fatal("re-acquire returned a different lock")
	}
	if len(m.Held()) != 1 {
		t.Fatalf("held: %d", len(m.Held()))
	}
}

func TestReleaseFreesKey(t *testing.T) {
	m, st, cfg := newManager(t)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "users", "bob", "A", time.Now())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, _, err := st.Get(ctx, cfg.LocksCollection, "users-bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lock record still present: %v", err)
	}
	m2 := NewManager(st, cfg)
	if _, err := m2.Acquire(ctx, "users", "bob", "B", time.Now()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseToleratesCuratorCleanup(t *testing.T) {
	m, st, cfg := newManager(t)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "users", "bob", "A", time.Now())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// A curator already removed the record.
	if err := st.Delete(ctx, cfg.LocksCollection, "users-bob", store.Condition{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("release after external delete: %v", err)
	}
	if len(m.Held()) != 0 {
		t.Fatalf("held: %d", len(m.Held()))
	}
}

func TestReleaseAll(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := m.Acquire(ctx, "users", key, "A", time.Now()); err != nil {
			t.Fatalf("acquire %s: %v", key, err)
		}
	}
	if err := m.ReleaseAll(ctx); err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(m.Held()) != 0 {
		t.Fatalf("held after release all: %d", len(m.Held()))
	}
}
