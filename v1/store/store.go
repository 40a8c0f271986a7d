package store

import (
	"context"
	"encoding/json"
	"errors"

	uuid "github.com/hashicorp/go-uuid"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrCASMismatch is returned when a conditional put or delete fails its
	// precondition: the key exists where absence was required, or its current
	// ref no longer matches the supplied one.
	ErrCASMismatch = errors.New("store: precondition failed")
	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("store: timeout")
	// ErrConnectionClosed is returned when the backing connection is closed.
	ErrConnectionClosed = errors.New("store: connection closed")
)

// Ref is an opaque version token identifying one revision of a key. A Ref is
// only ever compared for equality; callers must not interpret its contents.
type Ref string

// Condition is the CAS precondition attached to a Put or Delete. The zero
// value means unconditional. Absent requires the key to not exist. A
// non-empty Ref requires the key's current ref to match exactly. Absent and
// Ref are mutually exclusive; Absent wins if both are set.
type Condition struct {
	Ref    Ref
	Absent bool
}

// IfAbsent is the create-only precondition.
func IfAbsent() Condition { return Condition{Absent: true} }

// IfRef requires the current revision to match ref.
func IfRef(ref Ref) Condition { return Condition{Ref: ref} }

// Item is one key/value pair as returned by List.
type Item struct {
	Collection string
	Key        string
	Ref        Ref
	Value      json.RawMessage
}

// Store is the key-value document store every other component writes
// through. Values are opaque JSON payloads. Put and Delete honor CAS
// preconditions; there is no multi-key primitive of any kind.
type Store interface {
	// Get returns the current value and ref for a key, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (json.RawMessage, Ref, error)
	// Put writes value under (collection, key) subject to cond and returns
	// the new ref. A violated precondition yields ErrCASMismatch.
	Put(ctx context.Context, collection, key string, value json.RawMessage, cond Condition) (Ref, error)
	// Delete removes the key subject to cond. Deleting a missing key yields
	// ErrNotFound; a violated precondition yields ErrCASMismatch.
	Delete(ctx context.Context, collection, key string, cond Condition) error
	// List returns every item in the collection. The listing is a point-in-time
	// scan; callers re-list rather than resume.
	List(ctx context.Context, collection string) ([]Item, error)
	// Ping probes the backing store.
	Ping(ctx context.Context) error
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomKey generates a 16-character random document key. Keys are drawn
// from [A-Z0-9] and are collision-resistant enough for concurrent creation.
func RandomKey() (string, error) {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	buf := make([]byte, len(raw))
	for i, b := range raw {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}
