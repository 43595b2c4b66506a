// Package channel carries trigger notifications from the sniper monitor to
// the notifiers over a buffered in-process channel.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/pacer/internal/domain"
)

var ErrBufferFull = errors.New("notification buffer full")

const DefaultEmitTimeout = 5 * time.Second

// MetricsSink defines the interface for recording bus metrics.
// Implementations must be non-blocking.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type Option func(*NotificationBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *NotificationBus) { b.emitTimeout = d }
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *NotificationBus) { b.metrics = sink }
}

type NotificationBus struct {
	ch          chan domain.TriggerNotification
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewNotificationBus(buffer int, opts ...Option) *NotificationBus {
	b := &NotificationBus{
		ch:          make(chan domain.TriggerNotification, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit queues n for the notifiers. It waits at most the emit timeout for
// buffer space and returns ErrBufferFull after that.
func (b *NotificationBus) Emit(ctx context.Context, n domain.TriggerNotification) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- n:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

func (b *NotificationBus) Channel() <-chan domain.TriggerNotification {
	return b.ch
}

// Len reports buffered notifications not yet consumed.
func (b *NotificationBus) Len() int {
	return len(b.ch)
}
