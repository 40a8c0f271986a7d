package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
)

type memEntry struct {
	value json.RawMessage
	ref   Ref
}

// InMemoryStore is a Store implementation backed by maps. It is intended for
// tests and local development; refs are process-local counters.
type InMemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]memEntry
	seq         uint64
}

// NewInMemoryStore returns a new empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{collections: make(map[string]map[string]memEntry)}
}

func (s *InMemoryStore) nextRef() Ref {
	s.seq++
	return Ref("m" + strconv.FormatUint(s.seq, 16))
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, collection, key string) (json.RawMessage, Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.collections[collection][key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append(json.RawMessage(nil), e.value...), e.ref, nil
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(ctx context.Context, collection, key string, value json.RawMessage, cond Condition) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]memEntry)
		s.collections[collection] = coll
	}
	e, exists := coll[key]
	switch {
	case cond.Absent:
		if exists {
			return "", ErrCASMismatch
		}
	case cond.Ref != "":
		if !exists || e.ref != cond.Ref {
			return "", ErrCASMismatch
		}
	}
	ref := s.nextRef()
	coll[key] = memEntry{value: append(json.RawMessage(nil), value...), ref: ref}
	return ref, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, collection, key string, cond Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.collections[collection][key]
	if !exists {
		return ErrNotFound
	}
	if cond.Ref != "" && e.ref != cond.Ref {
		return ErrCASMismatch
	}
	delete(s.collections[collection], key)
	return nil
}

// List implements Store.List.
func (s *InMemoryStore) List(ctx context.Context, collection string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	items := make([]Item, 0, len(coll))
	for k, e := range coll {
		items = append(items, Item{
			Collection: collection,
			Key:        k,
			Ref:        e.ref,
			Value:      append(json.RawMessage(nil), e.value...),
		})
	}
	return items, nil
}

// Ping implements Store.Ping.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ Store = (*InMemoryStore)(nil)
