package curator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/kbokarius/go-oiot/v1/config"
	"github.com/kbokarius/go-oiot/v1/journal"
	"github.com/kbokarius/go-oiot/v1/lock"
	"github.com/kbokarius/go-oiot/v1/metrics"
	"github.com/kbokarius/go-oiot/v1/notify"
	"github.com/kbokarius/go-oiot/v1/store"
)

// errNoLongerActive aborts a sweep when another instance takes over
// leadership. It is control flow internal to the curator and is never
// surfaced to callers.
var errNoLongerActive = stdErrors.New("curator: no longer active")

// record is the persisted active-curator heartbeat.
type record struct {
	CuratorID string    `json:"curator_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Curator repairs jobs and locks abandoned by crashed or expired clients.
// Any number of instances may run against the same store; a heartbeat record
// guarded by CAS elects exactly one active instance, and only the active
// instance sweeps. The rest poll for leadership.
type Curator struct {
	store store.Store
	cfg   config.Config
	bus   notify.Bus
	log   *slog.Logger
	id    string

	active        atomic.Bool
	lastHeartbeat time.Time
	lastRef       store.Ref

	// recent remembers ids of jobs removed by sweeps so their locks are
	// recognized as orphaned even if listed before the job deletion is
	// visible. Bounded; a miss falls back to an existence check.
	recent *ristretto.Cache

	now    func() time.Time
	jitter func() time.Duration
}

// Option configures a Curator.
type Option func(*Curator)

// WithBus publishes repair events to the given bus.
func WithBus(bus notify.Bus) Option {
	return func(c *Curator) { c.bus = bus }
}

// WithLogger sets the curator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Curator) { c.log = log }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Curator) { c.now = now }
}

// WithTakeoverJitter overrides the pause taken before seizing leadership
// from a stale leader. The pause de-thunders competing challengers.
func WithTakeoverJitter(f func() time.Duration) Option {
	return func(c *Curator) { c.jitter = f }
}

// New returns an inactive curator instance with a fresh identity.
func New(st store.Store, cfg config.Config, opts ...Option) (*Curator, error) {
	recent, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c := &Curator{
		store:  st,
		cfg:    cfg,
		log:    slog.Default(),
		id:     uuid.NewString(),
		recent: recent,
		now:    time.Now,
		jitter: func() time.Duration { return time.Second },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns this instance's identity.
func (c *Curator) ID() string { return c.id }

// IsActive reports whether this instance currently believes it is the
// active curator.
func (c *Curator) IsActive() bool { return c.active.Load() }

func (c *Curator) setActive(active bool) {
	c.active.Store(active)
	if active {
		metrics.CuratorActiveGauge.Set(1)
	} else {
		metrics.CuratorActiveGauge.Set(0)
	}
}

// tryHeartbeat CAS-writes a fresh heartbeat record. asNew uses create-only
// semantics for the case where no record exists yet. It returns whether this
// instance leads; an abnormal demotion of a previously-active instance is
// reported as errNoLongerActive.
func (c *Curator) tryHeartbeat(ctx context.Context, asNew bool) (bool, error) {
	now := c.now().UTC()
	if c.active.Load() && now.Sub(c.lastHeartbeat) < c.cfg.HeartbeatInterval {
		// Recently heartbeated; skip the round trip.
		return true, nil
	}
	value, err := json.Marshal(record{CuratorID: c.id, Timestamp: now})
	if err != nil {
		return false, err
	}
	cond := store.IfRef(c.lastRef)
	if asNew {
		cond = store.IfAbsent()
	}
	ref, err := c.store.Put(ctx, c.cfg.CuratorsCollection, c.cfg.ActiveCuratorKey, value, cond)
	if err != nil {
		if stdErrors.Is(err, store.ErrCASMismatch) {
			// Another instance leads.
			if c.active.Load() {
				c.setActive(false)
				return false, errNoLongerActive
			}
			return false, nil
		}
		return false, err
	}
	prev := c.lastHeartbeat
	c.lastRef = ref
	c.lastHeartbeat = now
	metrics.CuratorHeartbeatCounter.Inc()
	if c.active.Load() && !prev.IsZero() && now.Sub(prev) > c.cfg.HeartbeatTimeout {
		// The write landed, but too late: another instance may already have
		// observed the stale heartbeat and acted on it.
		c.setActive(false)
		return false, errNoLongerActive
	}
	return true, nil
}

// determineActiveStatus decides whether this instance leads: heartbeat when
// already active, otherwise inspect the current record and challenge it if
// stale or absent.
func (c *Curator) determineActiveStatus(ctx context.Context) (bool, error) {
	if c.active.Load() {
		return c.tryHeartbeat(ctx, false)
	}
	raw, ref, err := c.store.Get(ctx, c.cfg.CuratorsCollection, c.cfg.ActiveCuratorKey)
	if err != nil {
		if stdErrors.Is(err, store.ErrNotFound) {
			return c.tryHeartbeat(ctx, true)
		}
		return false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, err
	}
	if c.now().UTC().Sub(rec.Timestamp) <= c.cfg.HeartbeatTimeout {
		return false, nil
	}
	// The leader looks dead. Pause briefly so racing challengers spread out,
	// then seize the record CAS'd against the stale revision.
	if err := sleepCtx(ctx, c.jitter()); err != nil {
		return false, err
	}
	c.lastRef = ref
	c.lastHeartbeat = rec.Timestamp
	return c.tryHeartbeat(ctx, false)
}

// alive is the liveness check threaded through every store round trip of a
// sweep: curation must stay within the leadership window.
func (c *Curator) alive(ctx context.Context) error {
	ok, err := c.tryHeartbeat(ctx, false)
	if err != nil {
		return err
	}
	if !ok {
		return errNoLongerActive
	}
	return nil
}

// curate runs one sweep: roll back and delete expired jobs, then delete
// orphaned locks. Per-item failures are logged and skipped so one corrupt
// item cannot halt cleanup; losing leadership aborts the sweep immediately.
func (c *Curator) curate(ctx context.Context) (bool, error) {
	worked := false

	if err := c.alive(ctx); err != nil {
		return worked, err
	}
	jobs, err := c.store.List(ctx, c.cfg.JobsCollection)
	if err != nil {
		return worked, err
	}
	for _, item := range jobs {
		removed, err := c.sweepJob(ctx, item)
		if err != nil {
			if stdErrors.Is(err, errNoLongerActive) {
				return worked, err
			}
			c.log.Warn("oiot: curator failed to process job", "job_id", item.Key, "error", err)
			continue
		}
		worked = worked || removed
	}

	if err := c.alive(ctx); err != nil {
		return worked, err
	}
	locks, err := c.store.List(ctx, c.cfg.LocksCollection)
	if err != nil {
		return worked, err
	}
	for _, item := range locks {
		removed, err := c.sweepLock(ctx, item)
		if err != nil {
			if stdErrors.Is(err, errNoLongerActive) {
				return worked, err
			}
			c.log.Warn("oiot: curator failed to process lock", "lock_key", item.Key, "error", err)
			continue
		}
		worked = worked || removed
	}
	return worked, nil
}

func (c *Curator) expired(t time.Time) bool {
	return c.now().UTC().Sub(t) > c.cfg.MaxJobDuration+c.cfg.TimeoutGrace
}

func (c *Curator) sweepJob(ctx context.Context, item store.Item) (bool, error) {
	var rec journal.Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return false, err
	}
	if !c.expired(rec.Timestamp) {
		return false, nil
	}
	for _, e := range rec.Entries {
		if err := journal.RollbackEntry(ctx, c.store, e, c.alive); err != nil {
			return false, err
		}
	}
	if err := c.alive(ctx); err != nil {
		return false, err
	}
	err := c.store.Delete(ctx, c.cfg.JobsCollection, item.Key, store.IfRef(item.Ref))
	if stdErrors.Is(err, store.ErrNotFound) {
		err = nil
	}
	if stdErrors.Is(err, store.ErrCASMismatch) {
		// The record changed under us; leave it for the next sweep.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.recent.Set(rec.JobID, struct{}{}, 1)
	c.recent.Wait()
	metrics.CuratorJobsRemovedCounter.Inc()
	c.publish(ctx, notify.SubjectCuratorJobRemoved, rec.JobID)
	c.log.Info("oiot: curator removed expired job", "job_id", rec.JobID, "entries", len(rec.Entries))
	return true, nil
}

func (c *Curator) sweepLock(ctx context.Context, item store.Item) (bool, error) {
	var rec lock.Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return false, err
	}
	orphaned := false
	if _, ok := c.recent.Get(rec.JobID); ok {
		orphaned = true
	} else if c.expired(rec.Timestamp) {
		if err := c.alive(ctx); err != nil {
			return false, err
		}
		_, _, err := c.store.Get(ctx, c.cfg.JobsCollection, rec.JobID)
		if stdErrors.Is(err, store.ErrNotFound) {
			orphaned = true
		} else if err != nil {
			return false, err
		}
		// A job record that still exists but is merely slow keeps its locks;
		// the job sweep claims them once the job itself expires.
	}
	if !orphaned {
		return false, nil
	}
	if err := c.alive(ctx); err != nil {
		return false, err
	}
	err := c.store.Delete(ctx, c.cfg.LocksCollection, item.Key, store.IfRef(item.Ref))
	if stdErrors.Is(err, store.ErrNotFound) || stdErrors.Is(err, store.ErrCASMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.CuratorLocksRemovedCounter.Inc()
	c.publish(ctx, notify.SubjectCuratorLockRemoved, item.Key)
	c.log.Info("oiot: curator removed orphaned lock", "lock_key", item.Key, "job_id", rec.JobID)
	return true, nil
}

// Run polls for leadership and sweeps while leading, until ctx is canceled.
// While active it sweeps back-to-back as long as work is found and naps for
// a heartbeat interval when idle; after losing leadership it settles for the
// inactivity delay before polling again.
func (c *Curator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setActive(false)
			return err
		}
		active, err := c.determineActiveStatus(ctx)
		if err != nil && !stdErrors.Is(err, errNoLongerActive) {
			c.log.Warn("oiot: curator status check failed", "error", err)
			if err := sleepCtx(ctx, c.cfg.HeartbeatInterval); err != nil {
				c.setActive(false)
				return err
			}
			continue
		}
		if !active {
			c.setActive(false)
			if err := sleepCtx(ctx, c.cfg.InactivityDelay); err != nil {
				return err
			}
			continue
		}

		c.setActive(true)
		worked, err := c.curate(ctx)
		switch {
		case stdErrors.Is(err, errNoLongerActive):
			c.setActive(false)
			c.log.Info("oiot: curator lost leadership mid-sweep", "curator_id", c.id)
			if err := sleepCtx(ctx, c.cfg.InactivityDelay); err != nil {
				return err
			}
		case err != nil:
			c.log.Warn("oiot: curator sweep failed", "error", err)
			if err := sleepCtx(ctx, c.cfg.HeartbeatInterval); err != nil {
				c.setActive(false)
				return err
			}
		case !worked:
			if err := sleepCtx(ctx, c.cfg.HeartbeatInterval); err != nil {
				c.setActive(false)
				return err
			}
		}
	}
}

func (c *Curator) publish(ctx context.Context, subject, payload string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, []byte(payload)); err != nil {
		c.log.Warn("oiot: event publish failed", "subject", subject, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
