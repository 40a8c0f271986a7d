package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kbokarius/go-oiot/v1/config"
	oioterrors "github.com/kbokarius/go-oiot/v1/errors"
	"github.com/kbokarius/go-oiot/v1/journal"
	"github.com/kbokarius/go-oiot/v1/lock"
	"github.com/kbokarius/go-oiot/v1/metrics"
	"github.com/kbokarius/go-oiot/v1/notify"
	"github.com/kbokarius/go-oiot/v1/store"
)

var tracer = otel.Tracer("github.com/kbokarius/go-oiot/v1/job")

// Status is a job's lifecycle state. Active is the only non-terminal state;
// a job that reaches any other status never transitions again. Timed-out is
// not a status: it is detected lazily at the start of every operation.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusRolledBack
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Job is a multi-key atomic transaction over the store. Every mutating
// operation locks the key, journals the before-state and only then performs
// the real write; any failure along the way rolls every prior mutation back.
// A job never retries a store call: failures either roll back or are left
// for the curator. A Job is used by a single caller and is not safe for
// concurrent use.
type Job struct {
	id      string
	store   store.Store
	cfg     config.Config
	bus     notify.Bus
	log     *slog.Logger
	started time.Time
	status  Status
	locks   *lock.Manager
	journal *journal.Journal

	now          func() time.Time
	traceEnabled bool
}

// Option configures a Job.
type Option func(*Job)

// WithBus publishes lifecycle events to the given bus.
func WithBus(bus notify.Bus) Option {
	return func(j *Job) { j.bus = bus }
}

// WithLogger sets the logger used for non-fatal noise such as failed event
// publishes.
func WithLogger(log *slog.Logger) Option {
	return func(j *Job) { j.log = log }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// WithTracing enables OpenTelemetry spans around job operations.
func WithTracing() Option {
	return func(j *Job) { j.traceEnabled = true }
}

// New creates a Job bound to st. The job's wall-clock budget starts now.
func New(st store.Store, cfg config.Config, opts ...Option) (*Job, error) {
	id, err := store.RandomKey()
	if err != nil {
		return nil, err
	}
	j := &Job{
		id:    id,
		store: st,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.started = j.now().UTC()
	j.locks = lock.NewManager(st, cfg)
	j.journal = journal.New(st, cfg, id, j.started)
	return j, nil
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Status returns the job's current status.
func (j *Job) Status() Status { return j.status }

// StartedAt returns the job's creation timestamp.
func (j *Job) StartedAt() time.Time { return j.started }

// verifyActive fails fast, before any store call, when the job is terminal
// or has exceeded its time budget.
func (j *Job) verifyActive() error {
	switch j.status {
	case StatusCompleted:
		return oioterrors.ErrJobCompleted
	case StatusRolledBack:
		return oioterrors.ErrJobRolledBack
	case StatusFailed:
		return oioterrors.ErrJobFailed
	}
	return j.checkBudget()
}

func (j *Job) checkBudget() error {
	if j.now().Sub(j.started) > j.cfg.MaxJobDuration {
		return oioterrors.ErrJobTimedOut
	}
	return nil
}

// Get acquires the lock for (collection, key) and returns the current value
// and ref. Reads take a lock but write no journal entry. Any failure rolls
// the job back.
func (j *Job) Get(ctx context.Context, collection, key string) (json.RawMessage, store.Ref, error) {
	if err := j.verifyActive(); err != nil {
		return nil, "", err
	}
	ctx, end := j.startSpan(ctx, "job.Get", collection, key)
	defer end()
	if _, err := j.locks.Acquire(ctx, collection, key, j.id, j.started); err != nil {
		return nil, "", j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return nil, "", err
	}
	value, ref, err := j.store.Get(ctx, collection, key)
	if err != nil {
		return nil, "", j.failOp(ctx, err)
	}
	return value, ref, nil
}

// Put writes value under (collection, key), journaling the previous state
// first. cond is the caller's CAS precondition on the real write; the zero
// Condition writes unconditionally. Any failure rolls the job back.
func (j *Job) Put(ctx context.Context, collection, key string, value json.RawMessage, cond store.Condition) (store.Ref, error) {
	if err := j.verifyActive(); err != nil {
		return "", err
	}
	ctx, end := j.startSpan(ctx, "job.Put", collection, key)
	defer end()
	if _, err := j.locks.Acquire(ctx, collection, key, j.id, j.started); err != nil {
		return "", j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return "", err
	}
	if err := j.journal.RecordMutation(ctx, collection, key, value); err != nil {
		return "", j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return "", err
	}
	ref, err := j.store.Put(ctx, collection, key, value, cond)
	if err != nil {
		return "", j.failOp(ctx, err)
	}
	return ref, nil
}

// Post writes value under a freshly generated random key and returns the
// key alongside the new ref.
func (j *Job) Post(ctx context.Context, collection string, value json.RawMessage) (string, store.Ref, error) {
	key, err := store.RandomKey()
	if err != nil {
		return "", "", err
	}
	ref, err := j.Put(ctx, collection, key, value, store.Condition{})
	if err != nil {
		return "", "", err
	}
	return key, ref, nil
}

// Delete removes (collection, key), journaling the deleted value first. The
// key must exist; a missing key is a failure and rolls the job back.
func (j *Job) Delete(ctx context.Context, collection, key string, cond store.Condition) error {
	if err := j.verifyActive(); err != nil {
		return err
	}
	ctx, end := j.startSpan(ctx, "job.Delete", collection, key)
	defer end()
	if _, err := j.locks.Acquire(ctx, collection, key, j.id, j.started); err != nil {
		return j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return err
	}
	if _, _, err := j.store.Get(ctx, collection, key); err != nil {
		// A 404 here is itself a failure: deleting a missing key is a bug
		// in the caller, not a no-op.
		return j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return err
	}
	if err := j.journal.RecordMutation(ctx, collection, key, config.DeletedValue()); err != nil {
		return j.failOp(ctx, err)
	}
	if err := j.checkBudget(); err != nil {
		return err
	}
	if err := j.store.Delete(ctx, collection, key, cond); err != nil {
		return j.failOp(ctx, err)
	}
	return nil
}

// Complete releases every lock, deletes the job record and marks the job
// completed. A store failure here leaves the job failed and returns a
// CompletionFailure; the curator is then the only cleanup path.
func (j *Job) Complete(ctx context.Context) error {
	if err := j.verifyActive(); err != nil {
		return err
	}
	ctx, end := j.startSpan(ctx, "job.Complete", "", "")
	defer end()
	if err := j.locks.ReleaseAll(ctx); err != nil {
		j.status = StatusFailed
		return &oioterrors.CompletionFailure{Err: err}
	}
	if err := j.journal.DeleteRecord(ctx); err != nil {
		j.status = StatusFailed
		return &oioterrors.CompletionFailure{Err: err}
	}
	j.status = StatusCompleted
	metrics.JobCompletedCounter.Inc()
	j.publish(ctx, notify.SubjectJobCompleted)
	return nil
}

// Rollback undoes every journaled mutation, deletes the job record and
// releases the job's locks. Rolling back a terminal job fails fast with the
// corresponding lifecycle error and performs no store calls.
func (j *Job) Rollback(ctx context.Context) error {
	if err := j.verifyActive(); err != nil {
		return err
	}
	return j.rollBack(ctx, nil)
}

// failOp converts an operation failure into a rollback attempt. The causing
// error is never dropped: it rides inside whichever rollback outcome is
// returned.
func (j *Job) failOp(ctx context.Context, cause error) error {
	return j.rollBack(ctx, cause)
}

func (j *Job) rollBack(ctx context.Context, cause error) error {
	alive := func(context.Context) error { return j.checkBudget() }
	if err := j.journal.Rollback(ctx, alive); err != nil {
		j.status = StatusFailed
		return &oioterrors.RollbackFailure{Err: err, Cause: cause}
	}
	if err := j.journal.DeleteRecord(ctx); err != nil {
		j.status = StatusFailed
		return &oioterrors.RollbackFailure{Err: err, Cause: cause}
	}
	j.locks.ReleaseAllQuietly(ctx)
	j.status = StatusRolledBack
	metrics.JobRolledBackCounter.Inc()
	j.publish(ctx, notify.SubjectJobRolledBack)
	if cause != nil {
		return &oioterrors.RollbackError{Cause: cause}
	}
	return nil
}

func (j *Job) publish(ctx context.Context, subject string) {
	if j.bus == nil {
		return
	}
	if err := j.bus.Publish(ctx, subject, []byte(j.id)); err != nil {
		j.log.Warn("oiot: event publish failed", "subject", subject, "job_id", j.id, "error", err)
	}
}

func (j *Job) startSpan(ctx context.Context, name, collection, key string) (context.Context, func()) {
	if !j.traceEnabled {
		return ctx, func() {}
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("oiot.job_id", j.id),
		attribute.String("oiot.collection", collection),
		attribute.String("oiot.key", key),
	)
	return ctx, func() { span.End() }
}
