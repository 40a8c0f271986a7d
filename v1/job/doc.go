// Package job provides the transactional unit: a multi-key, all-or-nothing
// sequence of get/put/post/delete operations built from nothing but the
// store's single-key CAS. Each touched key is locked, its prior state
// journaled, and the journal replayed backwards if anything fails. Jobs
// carry a wall-clock budget; work abandoned past the budget is repaired by
// the curator rather than by the job itself.
package job
