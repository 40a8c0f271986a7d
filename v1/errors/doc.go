// Package errors defines the error taxonomy shared by the job, lock and
// curator packages: sentinels for contention, lifecycle misuse and timeouts,
// and structured errors that carry the causing failure through a rollback or
// completion attempt so no diagnostic information is lost.
package errors
