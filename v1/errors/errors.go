package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrCollectionKeyLocked indicates another job currently holds the lock
	// for the requested (collection, key) pair. Recoverable: retry later or
	// surface the conflict.
	ErrCollectionKeyLocked = errors.New("oiot: collection key is locked")

	// ErrJobCompleted indicates a job was used after completing.
	ErrJobCompleted = errors.New("oiot: job is already completed")
	// ErrJobRolledBack indicates a job was used after rolling back.
	ErrJobRolledBack = errors.New("oiot: job is already rolled back")
	// ErrJobFailed indicates a job was used after entering the failed state.
	// Failed jobs cannot make progress; the curator cleans up after them.
	ErrJobFailed = errors.New("oiot: job is failed")
	// ErrJobTimedOut indicates the job exceeded its time budget. The job
	// performs no further store calls; the curator finishes the cleanup.
	ErrJobTimedOut = errors.New("oiot: job is timed out")
)

// RollbackError reports that a job rolled back successfully after some other
// operation failed. The rollback is a recovery, not the failure itself; Cause
// carries what actually broke.
type RollbackError struct {
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("oiot: job rolled back: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// RollbackFailure reports that a rollback itself failed. The job is left in
// the failed state and only the curator can repair it. Err is the rollback
// failure, Cause (optional) the original error that triggered the rollback.
type RollbackFailure struct {
	Err   error
	Cause error
}

func (e *RollbackFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("oiot: job failed to roll back: %v (rollback caused by: %v)", e.Err, e.Cause)
	}
	return fmt.Sprintf("oiot: job failed to roll back: %v", e.Err)
}

func (e *RollbackFailure) Unwrap() error { return e.Err }

// CompletionFailure reports that completing a job failed while releasing its
// locks or deleting its record. The job is left in the failed state.
type CompletionFailure struct {
	Err error
}

func (e *CompletionFailure) Error() string {
	return fmt.Sprintf("oiot: job failed to complete: %v", e.Err)
}

func (e *CompletionFailure) Unwrap() error { return e.Err }
