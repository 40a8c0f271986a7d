package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lifecycle subjects published by the job and curator packages. The payload
// is the affected job id (for lock removals, the lock's collection key).
const (
	SubjectJobCompleted       = "oiot.job.completed"
	SubjectJobRolledBack      = "oiot.job.rolled_back"
	SubjectCuratorJobRemoved  = "oiot.curator.job_removed"
	SubjectCuratorLockRemoved = "oiot.curator.lock_removed"
)

// Event is one delivered notification.
type Event struct {
	Subject string
	Payload []byte
}

// Bus propagates lifecycle events to interested observers. Publishing is
// strictly best-effort: the transactional outcome of a job never depends on
// a publish succeeding.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string) (chan Event, error)
	Unsubscribe(ctx context.Context, subject string, ch chan Event) error
}

// Metrics carries publish/delivery counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local Bus implementation, mainly for tests and
// single-process deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[subject]...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	ev := Event{Subject: subject, Payload: payload}
	for _, ch := range chans {
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, subject string) (chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, subject string, ch chan Event) error {
	b.mu.Lock()
	subs := b.subs[subject]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[subject] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, subject)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

var _ Bus = (*InMemoryBus)(nil)
