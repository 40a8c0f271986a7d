// Package lock serializes access to (collection, key) pairs across
// concurrent jobs and clients. A lock is a single record CAS-created in a
// dedicated locks collection; creation failing its absence precondition is
// the contention signal. There is no blocking acquire: callers either own
// the key or learn immediately that someone else does.
package lock
