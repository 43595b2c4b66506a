// Package sweeper runs periodic housekeeping: expiring sniper watches past
// their TTL and pruning action records older than the retention period.
//
// Pruning never drops records inside the trailing pacing window, so the
// daily cap always sees every dispatch it must count.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/logging"
	"github.com/djlord-it/pacer/internal/pacing"
)

// Expirer moves watches past their TTL to expired.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Pruner deletes action records dispatched before cutoff.
type Pruner interface {
	PruneRecords(ctx context.Context, cutoff time.Time) (int, error)
}

// MetricsSink defines the interface for recording sweeper metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SweepCompleted(expired, pruned int, err error)
}

type Config struct {
	// Interval is how often the sweeper runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Retention is how long action records are kept. Values below the
	// pacing window are raised to it.
	// Default: 168 hours.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// Result summarises one sweep.
type Result struct {
	Expired int
	Pruned  int
}

type Sweeper struct {
	config  Config
	expirer Expirer
	pruner  Pruner
	clock   clock.Func
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(config Config, expirer Expirer, pruner Pruner, logger *zap.Logger) *Sweeper {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.Retention < pacing.Window {
		config.Retention = pacing.Window
	}
	return &Sweeper{
		config:  config,
		expirer: expirer,
		pruner:  pruner,
		clock:   time.Now,
		logger:  logging.OrNop(logger).Named("sweeper"),
	}
}

func (s *Sweeper) WithClock(fn clock.Func) *Sweeper {
	s.clock = fn
	return s
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

func (s *Sweeper) Config() Config {
	return s.config
}

// Run sweeps once immediately, then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("retention", s.config.Retention))

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Logged and retried next interval.
		s.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if res.Expired > 0 || res.Pruned > 0 {
		s.logger.Info("sweep complete",
			zap.Int("expired", res.Expired),
			zap.Int("pruned", res.Pruned))
	}
}

// Sweep performs one expiry and prune pass. Both steps run even if the
// first fails; the errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.clock().UTC()
	var res Result
	var errs []error

	if s.expirer != nil {
		n, err := s.expirer.ExpireDue(ctx, now)
		res.Expired = n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire watches: %w", err))
		}
	}

	if s.pruner != nil {
		n, err := s.pruner.PruneRecords(ctx, now.Add(-s.config.Retention))
		res.Pruned = n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune records: %w", err))
		}
	}

	err := errors.Join(errs...)
	if s.metrics != nil {
		s.metrics.SweepCompleted(res.Expired, res.Pruned, err)
	}
	return res, err
}
