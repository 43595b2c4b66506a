// Package dispatcher publishes queued actions when pacing allows and keeps
// the action log, the queue and the sniper watches consistent with what was
// actually sent.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/forum"
	"github.com/djlord-it/pacer/internal/logging"
	"github.com/djlord-it/pacer/internal/metrics"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/sniper"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

const (
	defaultMaxAttempts = 4
	defaultMaxPerTick  = 10
)

// Store mirrors queue changes so a restart resumes from the same queue.
type Store interface {
	UpdatePending(ctx context.Context, a domain.PendingAction) error
	DeletePending(ctx context.Context, id uuid.UUID) error
}

type Queue interface {
	PeekNext(ctx context.Context, now time.Time) (*domain.PendingAction, error)
	Dequeue(id uuid.UUID) error
	Reschedule(id uuid.UUID, notBefore time.Time) (domain.PendingAction, error)
	Defer(id uuid.UUID, notBefore time.Time) (domain.PendingAction, error)
}

type Pacer interface {
	Reserve(ctx context.Context, destination string, now time.Time) (pacing.Decision, error)
	Release(destination string)
	RecordDispatch(ctx context.Context, rec domain.ActionRecord) error
}

type Publisher interface {
	Publish(ctx context.Context, destination, threadID, content string) (forum.PublishResult, error)
}

type Breaker interface {
	Allow(destination string) error
	Cancel(destination string)
	RecordSuccess(destination string)
	RecordFailure(destination string)
}

type WatchDeployer interface {
	Deploy(ctx context.Context, req sniper.DeployRequest) (domain.SniperWatch, error)
}

// Syncer refreshes the queue from the store. Other instances may accept or
// cancel actions the local queue has not seen.
type Syncer interface {
	Resync(ctx context.Context) (added, dropped int, err error)
}

// Window reports whether dispatching is allowed at t.
type Window interface {
	Open(t time.Time) bool
	NextOpen(t time.Time) time.Time
}

type AnalyticsSink interface {
	Record(ctx context.Context, rec domain.ActionRecord)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DispatchAttemptCompleted(destination, statusClass string, duration time.Duration)
	DispatchOutcome(outcome string)
	DispatchInFlightIncr()
	DispatchInFlightDecr()
}

type Config struct {
	TickInterval time.Duration
	MaxAttempts  int
	// Backoff[n] is the wait before attempt n+1. The last entry repeats.
	Backoff []time.Duration
	// BreakerDelay is how long an action waits when its destination's
	// circuit is open.
	BreakerDelay time.Duration
	MaxPerTick   int
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		MaxAttempts:  defaultMaxAttempts,
		Backoff:      defaultBackoff,
		BreakerDelay: time.Minute,
		MaxPerTick:   defaultMaxPerTick,
	}
}

type Status string

const (
	StatusIdle         Status = "idle"
	StatusWindowClosed Status = "window_closed"
	StatusDeferred     Status = "deferred"
	StatusDispatched   Status = "dispatched"
	StatusRetrying     Status = "retrying"
	StatusAbandoned    Status = "abandoned"
)

// Outcome describes what one DispatchNext call did. Refusals and publish
// failures are outcomes, not errors.
type Outcome struct {
	Status      Status
	Reason      domain.Reason
	ActionID    uuid.UUID
	Destination string
	ExternalID  string
	Watch       *domain.SniperWatch
	NextAttempt time.Time
	Detail      string
}

type Dispatcher struct {
	config    Config
	store     Store
	queue     Queue
	pacer     Pacer
	publisher Publisher
	breaker   Breaker       // optional, nil = disabled
	deployer  WatchDeployer // optional, nil = no watches
	window    Window        // optional, nil = always open
	syncer    Syncer        // optional, nil = queue is authoritative
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     clock.Func
	logger    *zap.Logger
}

func New(config Config, store Store, q Queue, pacer Pacer, publisher Publisher, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if len(config.Backoff) == 0 {
		config.Backoff = def.Backoff
	}
	if config.BreakerDelay <= 0 {
		config.BreakerDelay = def.BreakerDelay
	}
	if config.MaxPerTick <= 0 {
		config.MaxPerTick = def.MaxPerTick
	}
	return &Dispatcher{
		config:    config,
		store:     store,
		queue:     q,
		pacer:     pacer,
		publisher: publisher,
		clock:     time.Now,
		logger:    logging.OrNop(logger).Named("dispatcher"),
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithDeployer(dep WatchDeployer) *Dispatcher {
	d.deployer = dep
	return d
}

func (d *Dispatcher) WithWindow(w Window) *Dispatcher {
	d.window = w
	return d
}

func (d *Dispatcher) WithSyncer(s Syncer) *Dispatcher {
	d.syncer = s
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithClock(fn clock.Func) *Dispatcher {
	d.clock = fn
	return d
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	d.logger.Info("started", zap.Duration("tick", d.config.TickInterval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if d.syncer != nil {
		if _, _, err := d.syncer.Resync(ctx); err != nil {
			d.logger.Error("queue resync failed", zap.Error(err))
			return
		}
	}
	for i := 0; i < d.config.MaxPerTick; i++ {
		out, err := d.DispatchNext(ctx)
		if err != nil {
			d.logger.Error("dispatch failed", zap.Error(err))
			return
		}
		if out.Status != StatusDispatched {
			return
		}
	}
}

// DispatchNext publishes the highest-ranked eligible action, if any.
// It returns an error only for store failures and for a dispatch record
// that contradicts the destination's history.
func (d *Dispatcher) DispatchNext(ctx context.Context) (Outcome, error) {
	now := d.clock().UTC()
	if d.window != nil && !d.window.Open(now) {
		return Outcome{Status: StatusWindowClosed, NextAttempt: d.window.NextOpen(now).UTC()}, nil
	}

	a, err := d.queue.PeekNext(ctx, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("peek: %w", err)
	}
	if a == nil {
		return Outcome{Status: StatusIdle}, nil
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(a.Destination); err != nil {
			return d.deferAction(ctx, *a, now.Add(d.config.BreakerDelay), err.Error())
		}
	}

	dec, err := d.pacer.Reserve(ctx, a.Destination, now)
	if err != nil {
		d.cancelProbe(a.Destination)
		return Outcome{}, fmt.Errorf("reserve %s: %w", a.Destination, err)
	}
	if !dec.Allowed {
		d.cancelProbe(a.Destination)
		d.observeOutcome(metrics.OutcomeDeferred)
		return Outcome{
			Status:      StatusDeferred,
			Reason:      domain.ReasonRateLimited,
			ActionID:    a.ID,
			Destination: a.Destination,
			NextAttempt: dec.NextEligible,
			Detail:      dec.Reason,
		}, nil
	}

	res, pubErr := d.publish(ctx, *a)
	if pubErr != nil {
		return d.handleFailure(ctx, *a, res, pubErr)
	}
	return d.handleSuccess(ctx, *a, res)
}

func (d *Dispatcher) publish(ctx context.Context, a domain.PendingAction) (forum.PublishResult, error) {
	if d.metrics != nil {
		d.metrics.DispatchInFlightIncr()
		defer d.metrics.DispatchInFlightDecr()
	}

	res, err := d.publisher.Publish(ctx, a.Destination, a.ThreadID, a.Content)
	if d.metrics != nil {
		d.metrics.DispatchAttemptCompleted(a.Destination, metrics.ClassifyStatus(res.StatusCode, err), res.Duration)
	}
	return res, err
}

func (d *Dispatcher) handleSuccess(ctx context.Context, a domain.PendingAction, res forum.PublishResult) (Outcome, error) {
	dispatchedAt := d.clock().UTC()
	rec := domain.ActionRecord{
		ActionID:     a.ID,
		Destination:  a.Destination,
		Kind:         a.Kind,
		ThreadID:     a.ThreadID,
		ExternalID:   res.ExternalID,
		Fingerprint:  domain.Fingerprint(a.Content),
		DispatchedAt: dispatchedAt,
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(a.Destination)
	}

	recordErr := d.pacer.RecordDispatch(ctx, rec)

	// The reply is live whatever happened to the record; never send it twice.
	d.forget(ctx, a.ID)

	if recordErr != nil {
		d.logger.Error("published but not recorded",
			zap.String("action_id", a.ID.String()),
			zap.String("destination", a.Destination),
			zap.String("external_id", res.ExternalID),
			zap.Error(recordErr))
		return Outcome{}, fmt.Errorf("record dispatch %s: %w", a.ID, recordErr)
	}

	out := Outcome{
		Status:      StatusDispatched,
		ActionID:    a.ID,
		Destination: a.Destination,
		ExternalID:  res.ExternalID,
	}

	if d.deployer != nil && len(a.Triggers) > 0 {
		w, err := d.deployer.Deploy(ctx, sniper.DeployRequest{
			ThreadID:    a.ThreadID,
			Destination: a.Destination,
			ActionID:    a.ID,
			Fingerprint: rec.Fingerprint,
			Triggers:    a.Triggers,
			DeployedAt:  dispatchedAt,
		})
		if err != nil {
			d.logger.Warn("sniper watch not deployed",
				zap.String("action_id", a.ID.String()),
				zap.String("thread_id", a.ThreadID),
				zap.Error(err))
		} else {
			out.Watch = &w
		}
	}

	if d.analytics != nil {
		d.analytics.Record(ctx, rec)
	}
	d.observeOutcome(metrics.OutcomeSuccess)

	d.logger.Info("dispatched",
		zap.String("action_id", a.ID.String()),
		zap.String("destination", a.Destination),
		zap.String("thread_id", a.ThreadID),
		zap.String("external_id", res.ExternalID),
		zap.Int("attempt", a.Attempts+1))
	return out, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, a domain.PendingAction, res forum.PublishResult, pubErr error) (Outcome, error) {
	d.pacer.Release(a.Destination)
	if d.breaker != nil {
		d.breaker.RecordFailure(a.Destination)
	}

	attempts := a.Attempts + 1
	out := Outcome{
		Reason:      domain.ReasonDispatchFailed,
		ActionID:    a.ID,
		Destination: a.Destination,
		Detail:      pubErr.Error(),
	}

	if attempts >= d.config.MaxAttempts || errors.Is(pubErr, forum.ErrPublishRejected) {
		d.forget(ctx, a.ID)
		d.observeOutcome(metrics.OutcomeAbandoned)
		d.logger.Warn("action abandoned",
			zap.String("action_id", a.ID.String()),
			zap.String("destination", a.Destination),
			zap.Int("attempts", attempts),
			zap.Int("status_code", res.StatusCode),
			zap.Error(pubErr))
		out.Status = StatusAbandoned
		return out, nil
	}

	next := d.clock().UTC().Add(d.backoff(attempts))
	updated, err := d.queue.Reschedule(a.ID, next)
	if err != nil {
		return Outcome{}, fmt.Errorf("reschedule %s: %w", a.ID, err)
	}
	if err := d.store.UpdatePending(ctx, updated); err != nil {
		return Outcome{}, fmt.Errorf("persist reschedule %s: %w", a.ID, err)
	}

	d.observeOutcome(metrics.OutcomeFailed)
	d.logger.Warn("publish failed, will retry",
		zap.String("action_id", a.ID.String()),
		zap.String("destination", a.Destination),
		zap.Int("attempt", attempts),
		zap.Time("next_attempt", next),
		zap.Error(pubErr))
	out.Status = StatusRetrying
	out.NextAttempt = next
	return out, nil
}

func (d *Dispatcher) deferAction(ctx context.Context, a domain.PendingAction, until time.Time, detail string) (Outcome, error) {
	updated, err := d.queue.Defer(a.ID, until)
	if err != nil {
		return Outcome{}, fmt.Errorf("defer %s: %w", a.ID, err)
	}
	if err := d.store.UpdatePending(ctx, updated); err != nil {
		return Outcome{}, fmt.Errorf("persist defer %s: %w", a.ID, err)
	}
	d.observeOutcome(metrics.OutcomeDeferred)
	d.logger.Debug("action deferred",
		zap.String("action_id", a.ID.String()),
		zap.String("destination", a.Destination),
		zap.String("detail", detail),
		zap.Time("until", until))
	return Outcome{
		Status:      StatusDeferred,
		Reason:      domain.ReasonDispatchFailed,
		ActionID:    a.ID,
		Destination: a.Destination,
		NextAttempt: until,
		Detail:      detail,
	}, nil
}

// forget drops a finished action from the queue and the store.
func (d *Dispatcher) forget(ctx context.Context, id uuid.UUID) {
	if err := d.queue.Dequeue(id); err != nil {
		d.logger.Warn("dequeue failed", zap.String("action_id", id.String()), zap.Error(err))
	}
	if err := d.store.DeletePending(ctx, id); err != nil {
		d.logger.Warn("delete pending failed", zap.String("action_id", id.String()), zap.Error(err))
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	idx := min(attempts, len(d.config.Backoff)-1)
	return d.config.Backoff[idx]
}

func (d *Dispatcher) cancelProbe(destination string) {
	if d.breaker != nil {
		d.breaker.Cancel(destination)
	}
}

func (d *Dispatcher) observeOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchOutcome(outcome)
	}
}
