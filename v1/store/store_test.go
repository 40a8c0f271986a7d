package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// runStoreContract exercises the CAS semantics every Store implementation
// must provide.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, _, err := s.Get(ctx, "c", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: want ErrNotFound, got %v", err)
	}

	ref, err := s.Put(ctx, "c", "k", json.RawMessage(`{"a":1}`), IfAbsent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ref == "" {
		t.Fatal("create returned empty ref")
	}

	if _, err := s.Put(ctx, "c", "k", json.RawMessage(`{"a":2}`), IfAbsent()); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("create existing: want ErrCASMismatch, got %v", err)
	}

	val, gotRef, err := s.Get(ctx, "c", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != `{"a":1}` {
		t.Fatalf("get value: %s", val)
	}
	if gotRef != ref {
		t.Fatalf("get ref: want %q got %q", ref, gotRef)
	}

	ref2, err := s.Put(ctx, "c", "k", json.RawMessage(`{"a":2}`), IfRef(ref))
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if ref2 == ref {
		t.Fatal("cas update did not change ref")
	}

	if _, err := s.Put(ctx, "c", "k", json.RawMessage(`{"a":3}`), IfRef(ref)); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("stale cas update: want ErrCASMismatch, got %v", err)
	}

	if err := s.Delete(ctx, "c", "k", IfRef(ref)); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("stale cas delete: want ErrCASMismatch, got %v", err)
	}
	if err := s.Delete(ctx, "c", "k", IfRef(ref2)); err != nil {
		t.Fatalf("cas delete: %v", err)
	}
	if err := s.Delete(ctx, "c", "k", Condition{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: want ErrNotFound, got %v", err)
	}

	// Unconditional writes.
	if _, err := s.Put(ctx, "c", "k2", json.RawMessage(`1`), Condition{}); err != nil {
		t.Fatalf("unconditional create: %v", err)
	}
	if _, err := s.Put(ctx, "c", "k2", json.RawMessage(`2`), Condition{}); err != nil {
		t.Fatalf("unconditional overwrite: %v", err)
	}

	items, err := s.List(ctx, "c")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Key != "k2" || string(items[0].Value) != `2` {
		t.Fatalf("list: unexpected items %+v", items)
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestInMemoryStoreCollectionsAreIsolated(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if _, err := s.Put(ctx, "a", "k", json.RawMessage(`1`), IfAbsent()); err != nil {
		t.Fatalf("put a/k: %v", err)
	}
	if _, err := s.Put(ctx, "b", "k", json.RawMessage(`2`), IfAbsent()); err != nil {
		t.Fatalf("put b/k: %v", err)
	}
	val, _, err := s.Get(ctx, "a", "k")
	if err != nil || string(val) != `1` {
		t.Fatalf("get a/k: %s %v", val, err)
	}
}

func TestRandomKeyShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		k, err := RandomKey()
		if err != nil {
			t.Fatalf("random key: %v", err)
		}
		if len(k) != 16 {
			t.Fatalf("key length: %q", k)
		}
		for _, r := range k {
			if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
				t.Fatalf("key alphabet: %q", k)
			}
		}
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key after %d draws: %q", i, k)
		}
		seen[k] = struct{}{}
	}
}
