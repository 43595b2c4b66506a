// Package pacing decides whether a destination may receive another dispatch.
//
// Three constraints must all pass: a randomized minimum spacing since the
// last dispatch, a cap on dispatches within the trailing 24 hours, and a
// cooldown imposed after a burst of closely spaced dispatches.
//
// All reads and writes for one destination happen under that destination's
// lock. Different destinations never contend.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

// Window is the trailing period the daily cap is evaluated over.
const Window = 24 * time.Hour

const (
	ReasonOK         = "ok"
	ReasonCooldown   = "cooldown"
	ReasonMinSpacing = "min_spacing"
	ReasonDailyCap   = "daily_cap"
	ReasonInFlight   = "in_flight"
)

// ErrDuplicateRecord is returned by Store.RecordDispatch when an action
// record with the same ActionID already exists.
var ErrDuplicateRecord = errors.New("action record already exists")

type Store interface {
	// GetDestinationState returns the zero state (with Destination set) for
	// a destination that has never been dispatched to.
	GetDestinationState(ctx context.Context, destination string) (domain.DestinationState, error)
	// DispatchTimesSince returns dispatch times strictly after since, oldest first.
	DispatchTimesSince(ctx context.Context, destination string, since time.Time) ([]time.Time, error)
	// RecordExists reports whether a record with actionID exists.
	RecordExists(ctx context.Context, actionID uuid.UUID) (bool, error)
	// RecordDispatch appends rec and saves state atomically.
	RecordDispatch(ctx context.Context, rec domain.ActionRecord, state domain.DestinationState) error
}

// MetricsSink defines the interface for recording pacing metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	PacingDecision(reason string)
}

type Config struct {
	MinDelay  time.Duration
	MaxDelay  time.Duration
	MaxPerDay int

	// BurstLimit: 0 disables the burst cooldown.
	BurstLimit int
	Cooldown   time.Duration

	// BurstGap is the largest gap that still continues a burst. Zero means MaxDelay.
	BurstGap time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinDelay:   10 * time.Minute,
		MaxDelay:   30 * time.Minute,
		MaxPerDay:  5,
		BurstLimit: 3,
		Cooldown:   60 * time.Minute,
	}
}

func (c Config) burstGap() time.Duration {
	if c.BurstGap > 0 {
		return c.BurstGap
	}
	return c.MaxDelay
}

// Decision is the outcome of a pacing check. NextEligible is the earliest
// instant at which every constraint known now would pass.
type Decision struct {
	Allowed      bool
	Reason       string
	NextEligible time.Time
}

// Refusal returns the taxonomy reason for a refused decision, or "" if allowed.
func (d Decision) Refusal() domain.Reason {
	if d.Allowed {
		return ""
	}
	return domain.ReasonRateLimited
}

// Status is a read-only view of a destination's pacing state.
type Status struct {
	State              domain.DestinationState
	DispatchesInWindow int
	InFlight           bool
	Decision           Decision
}

type destination struct {
	mu       sync.Mutex
	inFlight bool
	// lastSeq is the engine sequence of this destination's last recorded
	// dispatch. Zero means unknown (e.g. after a restart).
	lastSeq uint64
}

type Engine struct {
	config  Config
	store   Store
	rng     clock.Rand
	dests   *xsync.MapOf[string, *destination]
	seq     atomic.Uint64
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(config Config, store Store, logger *zap.Logger) *Engine {
	return &Engine{
		config: config,
		store:  store,
		rng:    clock.SystemRand(),
		dests:  xsync.NewMapOf[string, *destination](),
		logger: logging.OrNop(logger).Named("pacing"),
	}
}

// WithRand replaces the jitter source.
func (e *Engine) WithRand(r clock.Rand) *Engine {
	e.rng = r
	return e
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) dest(name string) *destination {
	d, _ := e.dests.LoadOrCompute(name, func() *destination { return &destination{} })
	return d
}

// CanDispatch reports whether destination may be dispatched to at now.
// It does not mutate state.
func (e *Engine) CanDispatch(ctx context.Context, destination string, now time.Time) (Decision, error) {
	d := e.dest(destination)
	d.mu.Lock()
	defer d.mu.Unlock()

	dec, err := e.decide(ctx, destination, now, d)
	if err != nil {
		return Decision{}, err
	}
	e.observe(destination, dec)
	return dec, nil
}

// Reserve performs CanDispatch and, if allowed, marks the destination in
// flight so no concurrent caller is granted the same slot. The reservation
// is cleared by RecordDispatch or Release.
func (e *Engine) Reserve(ctx context.Context, destination string, now time.Time) (Decision, error) {
	d := e.dest(destination)
	d.mu.Lock()
	defer d.mu.Unlock()

	dec, err := e.decide(ctx, destination, now, d)
	if err != nil {
		return Decision{}, err
	}
	if dec.Allowed {
		d.inFlight = true
	}
	e.observe(destination, dec)
	return dec, nil
}

// Release drops a reservation after a failed dispatch. Pacing state is unchanged.
func (e *Engine) Release(destination string) {
	d := e.dest(destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
}

// Status returns the destination's state and the decision at now.
func (e *Engine) Status(ctx context.Context, destination string, now time.Time) (Status, error) {
	d := e.dest(destination)
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := e.store.GetDestinationState(ctx, destination)
	if err != nil {
		return Status{}, fmt.Errorf("get destination state: %w", err)
	}
	times, err := e.store.DispatchTimesSince(ctx, destination, now.Add(-Window))
	if err != nil {
		return Status{}, fmt.Errorf("list dispatch times: %w", err)
	}
	dec := e.evaluate(state, times, now)
	if d.inFlight {
		dec = Decision{Reason: ReasonInFlight, NextEligible: maxTime(now, dec.NextEligible)}
	}
	return Status{
		State:              state,
		DispatchesInWindow: len(times),
		InFlight:           d.inFlight,
		Decision:           dec,
	}, nil
}

// RecordDispatch appends rec and advances the destination's burst counter
// and spacing. It must be called once per successful dispatch. A record
// older than the destination's latest dispatch is rejected with a
// *domain.TemporalInconsistencyError. Recording the same ActionID twice is a no-op.
func (e *Engine) RecordDispatch(ctx context.Context, rec domain.ActionRecord) error {
	d := e.dest(rec.Destination)
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() { d.inFlight = false }()

	exists, err := e.store.RecordExists(ctx, rec.ActionID)
	if err != nil {
		return fmt.Errorf("check action record: %w", err)
	}
	if exists {
		e.logger.Debug("dispatch already recorded",
			zap.String("destination", rec.Destination),
			zap.String("action_id", rec.ActionID.String()))
		return nil
	}

	state, err := e.store.GetDestinationState(ctx, rec.Destination)
	if err != nil {
		return fmt.Errorf("get destination state: %w", err)
	}

	if !state.ColdStart() && rec.DispatchedAt.Before(state.LastDispatchAt) {
		return &domain.TemporalInconsistencyError{
			Destination: rec.Destination,
			Latest:      state.LastDispatchAt,
			Got:         rec.DispatchedAt,
		}
	}

	interleaved := d.lastSeq != 0 && e.seq.Load() != d.lastSeq
	next := e.advance(state, rec.DispatchedAt, interleaved)
	next.Destination = rec.Destination

	if err := e.store.RecordDispatch(ctx, rec, next); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			e.logger.Debug("dispatch already recorded",
				zap.String("destination", rec.Destination),
				zap.String("action_id", rec.ActionID.String()))
			return nil
		}
		return fmt.Errorf("record dispatch: %w", err)
	}
	d.lastSeq = e.seq.Add(1)

	e.logger.Info("dispatch recorded",
		zap.String("destination", rec.Destination),
		zap.String("action_id", rec.ActionID.String()),
		zap.Int("consecutive", next.Consecutive),
		zap.Duration("next_spacing", next.NextSpacing),
		zap.Timep("cooldown_until", nonZero(next.CooldownUntil)))
	return nil
}

func (e *Engine) decide(ctx context.Context, destination string, now time.Time, d *destination) (Decision, error) {
	if d.inFlight {
		return Decision{Reason: ReasonInFlight, NextEligible: now}, nil
	}

	state, err := e.store.GetDestinationState(ctx, destination)
	if err != nil {
		return Decision{}, fmt.Errorf("get destination state: %w", err)
	}
	if state.ColdStart() {
		return Decision{Allowed: true, Reason: ReasonOK, NextEligible: now}, nil
	}

	times, err := e.store.DispatchTimesSince(ctx, destination, now.Add(-Window))
	if err != nil {
		return Decision{}, fmt.Errorf("list dispatch times: %w", err)
	}
	return e.evaluate(state, times, now), nil
}

// evaluate applies the three constraints. Cooldown takes precedence in the
// reported reason; NextEligible is the latest of all release times.
func (e *Engine) evaluate(state domain.DestinationState, times []time.Time, now time.Time) Decision {
	reason := ReasonOK
	var next time.Time

	if !state.ColdStart() {
		spacing := state.NextSpacing
		if spacing <= 0 {
			spacing = clock.Uniform(e.rng, e.config.MinDelay, e.config.MaxDelay)
		}
		if release := state.LastDispatchAt.Add(spacing); now.Before(release) {
			reason = ReasonMinSpacing
			next = maxTime(next, release)
		}
	}

	if limit := e.config.MaxPerDay; limit > 0 && len(times) >= limit {
		reason = ReasonDailyCap
		next = maxTime(next, times[len(times)-limit].Add(Window))
	}

	if now.Before(state.CooldownUntil) {
		reason = ReasonCooldown
		next = maxTime(next, state.CooldownUntil)
	}

	if reason == ReasonOK {
		return Decision{Allowed: true, Reason: ReasonOK, NextEligible: now}
	}
	return Decision{Reason: reason, NextEligible: next}
}

// advance computes the state after a dispatch at t.
func (e *Engine) advance(state domain.DestinationState, t time.Time, interleaved bool) domain.DestinationState {
	next := state

	switch {
	case !state.CooldownUntil.IsZero() && !t.Before(state.CooldownUntil):
		next.Consecutive = 1
		next.CooldownUntil = time.Time{}
	case state.ColdStart(), interleaved, t.Sub(state.LastDispatchAt) > e.config.burstGap():
		next.Consecutive = 1
	default:
		next.Consecutive++
	}

	if e.config.BurstLimit > 0 && next.Consecutive >= e.config.BurstLimit {
		next.CooldownUntil = t.Add(e.config.Cooldown)
	}

	next.LastDispatchAt = t
	next.NextSpacing = clock.Uniform(e.rng, e.config.MinDelay, e.config.MaxDelay)
	return next
}

func (e *Engine) observe(destination string, dec Decision) {
	if e.metrics != nil {
		e.metrics.PacingDecision(dec.Reason)
	}
	if !dec.Allowed {
		e.logger.Debug("dispatch refused",
			zap.String("destination", destination),
			zap.String("reason", dec.Reason),
			zap.Time("next_eligible", dec.NextEligible))
	}
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
