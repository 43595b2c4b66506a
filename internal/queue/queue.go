// Package queue orders vetted actions awaiting dispatch.
//
// Actions are ranked by priority (highest first), then earliest NotBefore,
// then insertion order. PeekNext skips actions whose destination the gate
// currently refuses; they stay queued until pacing clears.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
)

var (
	ErrDuplicateAction = errors.New("action already queued")
	ErrActionNotFound  = errors.New("action not queued")
)

// Gate decides whether a destination may be dispatched to now.
type Gate interface {
	CanDispatch(ctx context.Context, destination string, now time.Time) (pacing.Decision, error)
}

// MetricsSink defines the interface for recording queue metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	QueueDepth(depth int)
}

type Queue struct {
	mu      sync.Mutex
	items   []domain.PendingAction
	seq     uint64
	gate    Gate
	metrics MetricsSink // optional, nil = disabled
}

func New(gate Gate) *Queue {
	return &Queue{gate: gate}
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

func compare(a, b domain.PendingAction) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.NotBefore.Compare(b.NotBefore); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Enqueue inserts a. An action with Seq zero is assigned the next insertion
// sequence; a non-zero Seq (restored from storage) is kept.
func (q *Queue) Enqueue(a domain.PendingAction) (domain.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(a.ID) >= 0 {
		return domain.PendingAction{}, fmt.Errorf("%w: %s", ErrDuplicateAction, a.ID)
	}
	if a.Seq == 0 {
		q.seq++
		a.Seq = q.seq
	} else if a.Seq > q.seq {
		q.seq = a.Seq
	}

	q.insert(a)
	q.reportDepth()
	return a, nil
}

func (q *Queue) insert(a domain.PendingAction) {
	i, _ := slices.BinarySearchFunc(q.items, a, compare)
	q.items = slices.Insert(q.items, i, a)
}

// PeekNext returns the highest-ranked action with NotBefore <= now whose
// destination passes the gate, or nil when none does. Gate checks run
// without holding the queue lock.
func (q *Queue) PeekNext(ctx context.Context, now time.Time) (*domain.PendingAction, error) {
	snapshot := q.Snapshot()

	refused := make(map[string]bool)
	for _, a := range snapshot {
		if a.NotBefore.After(now) || refused[a.Destination] {
			continue
		}
		dec, err := q.gate.CanDispatch(ctx, a.Destination, now)
		if err != nil {
			return nil, fmt.Errorf("check destination %s: %w", a.Destination, err)
		}
		if dec.Allowed {
			return &a, nil
		}
		refused[a.Destination] = true
	}
	return nil, nil
}

// Dequeue removes the action with id.
func (q *Queue) Dequeue(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	q.items = slices.Delete(q.items, i, i+1)
	q.reportDepth()
	return nil
}

// Reschedule moves an action's NotBefore and records an attempt, keeping
// its insertion order.
func (q *Queue) Reschedule(id uuid.UUID, notBefore time.Time) (domain.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return domain.PendingAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	a := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	a.NotBefore = notBefore
	a.Attempts++
	q.insert(a)
	return a, nil
}

// Defer moves an action's NotBefore without counting an attempt.
func (q *Queue) Defer(id uuid.UUID, notBefore time.Time) (domain.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return domain.PendingAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	a := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	a.NotBefore = notBefore
	q.insert(a)
	return a, nil
}

func (q *Queue) Get(id uuid.UUID) (domain.PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return domain.PendingAction{}, false
	}
	return q.items[i], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued actions in dispatch order.
func (q *Queue) Snapshot() []domain.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

func (q *Queue) indexOf(id uuid.UUID) int {
	return slices.IndexFunc(q.items, func(a domain.PendingAction) bool { return a.ID == id })
}

func (q *Queue) reportDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth(len(q.items))
	}
}
