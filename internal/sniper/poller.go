package sniper

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/djlord-it/pacer/internal/domain"
)

// ReplySource lists replies in a thread created after since, oldest first.
type ReplySource interface {
	ListNewReplies(ctx context.Context, threadID string, since time.Time) iter.Seq2[domain.Reply, error]
}

type PollerConfig struct {
	// Interval between polls of one thread.
	Interval time.Duration
	// Refresh is how often the set of watched threads is reloaded.
	Refresh time.Duration
	// RatePerSecond bounds transport calls across all threads.
	RatePerSecond float64
	Burst         int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      2 * time.Minute,
		Refresh:       30 * time.Second,
		RatePerSecond: 1,
		Burst:         1,
	}
}

// Poller runs one cancellable task per watching thread.
type Poller struct {
	config  PollerConfig
	monitor *Monitor
	source  ReplySource
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]bool
}

func NewPoller(config PollerConfig, monitor *Monitor, source ReplySource) *Poller {
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &Poller{
		config:  config,
		monitor: monitor,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), burst),
		logger:  monitor.logger.Named("poller"),
		running: make(map[uuid.UUID]bool),
	}
}

// Run blocks until ctx is cancelled and every thread task has returned.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("started",
		zap.Duration("interval", p.config.Interval),
		zap.Duration("refresh", p.config.Refresh),
		zap.Float64("rate_per_second", p.config.RatePerSecond))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(p.config.Refresh)
		defer ticker.Stop()

		p.spawn(gctx, g)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				p.spawn(gctx, g)
			}
		}
	})

	err := g.Wait()
	p.logger.Info("stopped")
	return err
}

// active returns the number of running thread tasks.
func (p *Poller) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Poller) spawn(ctx context.Context, g *errgroup.Group) {
	watches, err := p.monitor.Watches(ctx, domain.WatchStateWatching)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to list watches", zap.Error(err))
		}
		return
	}

	for _, w := range watches {
		p.mu.Lock()
		if p.running[w.ID] {
			p.mu.Unlock()
			continue
		}
		p.running[w.ID] = true
		p.mu.Unlock()

		g.Go(func() error {
			defer func() {
				p.mu.Lock()
				delete(p.running, w.ID)
				p.mu.Unlock()
			}()
			p.track(ctx, w)
			return nil
		})
	}
}

// track polls one thread until its watch leaves watching or ctx is cancelled.
func (p *Poller) track(ctx context.Context, w domain.SniperWatch) {
	log := p.logger.With(zap.String("watch_id", w.ID.String()), zap.String("thread_id", w.ThreadID))
	log.Debug("tracking thread")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		next, done, err := p.monitor.Poll(ctx, w, p.source)
		if p.monitor.metrics != nil {
			p.monitor.metrics.PollCompleted(err)
		}
		if err != nil && ctx.Err() == nil {
			log.Warn("poll failed", zap.Error(err))
		}
		if done {
			log.Debug("stopped tracking thread", zap.String("state", string(next.State)))
			return
		}
		w = next
		timer.Reset(p.config.Interval)
	}
}

// Poll fetches replies newer than the watch's watermark and observes them.
// It returns the reloaded watch and whether the watch left watching. Replies
// read before a transport error are still observed.
func (m *Monitor) Poll(ctx context.Context, w domain.SniperWatch, source ReplySource) (domain.SniperWatch, bool, error) {
	if w.Expired(m.clock().UTC()) {
		if err := m.expire(ctx, w); err != nil {
			return w, false, err
		}
		w.State = domain.WatchStateExpired
		return w, true, nil
	}

	var replies []domain.Reply
	var fetchErr error
	for r, err := range source.ListNewReplies(ctx, w.ThreadID, w.Watermark) {
		if err != nil {
			fetchErr = fmt.Errorf("list replies: %w", err)
			break
		}
		replies = append(replies, r)
	}

	if len(replies) > 0 {
		if _, err := m.observe(ctx, w, replies); err != nil {
			return w, false, err
		}
	}

	fresh, err := m.store.GetWatch(ctx, w.ID)
	if err != nil {
		return w, false, fmt.Errorf("reload watch: %w", err)
	}
	return fresh, fresh.State.Terminal(), fetchErr
}
