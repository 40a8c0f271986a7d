// Package store defines the key-value document store contract the locking
// and job machinery is built on: per-key get/put/delete with compare-and-swap
// preconditions over opaque version tokens, plus a full collection scan.
// Two implementations are provided, an in-memory store for tests and local
// development and a Redis-backed store whose CAS operations run as Lua
// scripts.
package store
