// Package sniper watches threads after a first-step reply and signals when a
// reply asks for the details the first step withheld.
//
// A watch moves from watching to triggered or expired exactly once. The
// monitor only emits a notification; it never publishes the follow-up.
package sniper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/clock"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

var (
	ErrActiveWatch          = errors.New("thread already has an active watch")
	ErrWatchNotFound        = errors.New("watch not found")
	ErrWatchTerminal        = errors.New("watch is no longer watching")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNoTriggers           = errors.New("at least one trigger phrase is required")
)

// DefaultTriggers are phrases indicating the thread is asking which product
// the first-step reply described.
var DefaultTriggers = []string{
	"what app",
	"which app",
	"what tool",
	"which tool",
	"link?",
	"what do you use",
	"what are you using",
	"can you share",
	"tell me more",
	"dm me",
}

type Store interface {
	// InsertWatch returns ErrActiveWatch if the thread already has a watching watch.
	InsertWatch(ctx context.Context, w domain.SniperWatch) error
	GetWatch(ctx context.Context, id uuid.UUID) (domain.SniperWatch, error)
	// ActiveWatchForThread returns ErrWatchNotFound if no watch is watching the thread.
	ActiveWatchForThread(ctx context.Context, threadID string) (domain.SniperWatch, error)
	// ListWatches returns watches in state, or all watches if state is empty.
	ListWatches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error)
	AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error
	// TriggerWatch saves w as triggered and inserts n atomically. It returns
	// ErrWatchTerminal if the stored watch is no longer watching.
	TriggerWatch(ctx context.Context, w domain.SniperWatch, n domain.TriggerNotification) error
	// ExpireWatch returns ErrWatchTerminal if the stored watch is no longer watching.
	ExpireWatch(ctx context.Context, id uuid.UUID) error
	// ListNotifications returns notifications newest first.
	ListNotifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
}

// Emitter delivers trigger notifications to whoever acts on them.
type Emitter interface {
	Emit(ctx context.Context, n domain.TriggerNotification) error
}

// MetricsSink defines the interface for recording sniper metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	WatchTransition(state string)
	PollCompleted(err error)
}

type Config struct {
	// TTL: 0 means watches never expire.
	TTL time.Duration
	// SelfAuthor is the account's own name; its replies never trigger.
	SelfAuthor string
}

type DeployRequest struct {
	ThreadID    string
	Destination string
	ActionID    uuid.UUID
	Fingerprint string
	Triggers    []string
	DeployedAt  time.Time
}

type Monitor struct {
	config  Config
	store   Store
	emitter Emitter
	clock   clock.Func
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(config Config, store Store, emitter Emitter, logger *zap.Logger) *Monitor {
	return &Monitor{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
		logger:  logging.OrNop(logger).Named("sniper"),
	}
}

func (m *Monitor) WithClock(fn clock.Func) *Monitor {
	m.clock = fn
	return m
}

// WithMetrics attaches a metrics sink to the monitor.
func (m *Monitor) WithMetrics(sink MetricsSink) *Monitor {
	m.metrics = sink
	return m
}

// Deploy starts watching a thread.
func (m *Monitor) Deploy(ctx context.Context, req DeployRequest) (domain.SniperWatch, error) {
	triggers := NormalizeTriggers(req.Triggers)
	if len(triggers) == 0 {
		return domain.SniperWatch{}, ErrNoTriggers
	}

	now := req.DeployedAt
	if now.IsZero() {
		now = m.clock()
	}
	now = now.UTC()

	w := domain.SniperWatch{
		ID:          uuid.New(),
		ThreadID:    req.ThreadID,
		Destination: req.Destination,
		ActionID:    req.ActionID,
		Fingerprint: req.Fingerprint,
		Triggers:    triggers,
		State:       domain.WatchStateWatching,
		CreatedAt:   now,
		Watermark:   now,
	}
	if m.config.TTL > 0 {
		expires := now.Add(m.config.TTL)
		w.ExpiresAt = &expires
	}

	if err := m.store.InsertWatch(ctx, w); err != nil {
		return domain.SniperWatch{}, fmt.Errorf("insert watch: %w", err)
	}
	m.transition(domain.WatchStateWatching)

	m.logger.Info("watch deployed",
		zap.String("watch_id", w.ID.String()),
		zap.String("thread_id", w.ThreadID),
		zap.String("destination", w.Destination),
		zap.Strings("triggers", w.Triggers))
	return w, nil
}

// Observe inspects replies on a watched thread. Only replies strictly after
// the watch's watermark count. It returns the notification if this call
// moved the watch to triggered, or nil otherwise. Calls after the watch left
// watching are no-ops.
func (m *Monitor) Observe(ctx context.Context, threadID string, replies []domain.Reply) (*domain.TriggerNotification, error) {
	w, err := m.store.ActiveWatchForThread(ctx, threadID)
	if errors.Is(err, ErrWatchNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active watch: %w", err)
	}
	return m.observe(ctx, w, replies)
}

func (m *Monitor) observe(ctx context.Context, w domain.SniperWatch, replies []domain.Reply) (*domain.TriggerNotification, error) {
	if w.State != domain.WatchStateWatching {
		return nil, nil
	}

	now := m.clock().UTC()
	if w.Expired(now) {
		return nil, m.expire(ctx, w)
	}

	watermark := w.Watermark
	for _, r := range replies {
		if !r.CreatedAt.After(w.Watermark) {
			continue
		}
		if r.CreatedAt.After(watermark) {
			watermark = r.CreatedAt
		}
		if m.isSelf(r) {
			continue
		}
		trigger, ok := Match(w.Triggers, r.Text)
		if !ok {
			continue
		}

		w.State = domain.WatchStateTriggered
		w.TriggeredAt = &now
		w.Watermark = watermark
		n := domain.TriggerNotification{
			ID:          uuid.New(),
			WatchID:     w.ID,
			ThreadID:    w.ThreadID,
			Destination: w.Destination,
			Trigger:     trigger,
			Reply:       r,
			DetectedAt:  now,
		}

		if err := m.store.TriggerWatch(ctx, w, n); err != nil {
			if errors.Is(err, ErrWatchTerminal) {
				return nil, nil
			}
			return nil, fmt.Errorf("trigger watch: %w", err)
		}
		m.transition(domain.WatchStateTriggered)

		m.logger.Info("watch triggered",
			zap.String("watch_id", w.ID.String()),
			zap.String("thread_id", w.ThreadID),
			zap.String("trigger", trigger),
			zap.String("reply_author", r.Author))

		// The notification is already persisted; a failed emit is recoverable
		// through the notification list.
		if err := m.emitter.Emit(ctx, n); err != nil {
			m.logger.Warn("failed to emit notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err))
		}
		return &n, nil
	}

	if watermark.After(w.Watermark) {
		if err := m.store.AdvanceWatermark(ctx, w.ID, watermark); err != nil {
			return nil, fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil, nil
}

// ExpireDue moves every watching watch past its TTL to expired.
func (m *Monitor) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	watches, err := m.store.ListWatches(ctx, domain.WatchStateWatching)
	if err != nil {
		return 0, fmt.Errorf("list watches: %w", err)
	}

	expired := 0
	for _, w := range watches {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if !w.Expired(now) {
			continue
		}
		if err := m.expire(ctx, w); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Monitor) expire(ctx context.Context, w domain.SniperWatch) error {
	if err := m.store.ExpireWatch(ctx, w.ID); err != nil {
		if errors.Is(err, ErrWatchTerminal) {
			return nil
		}
		return fmt.Errorf("expire watch: %w", err)
	}
	m.transition(domain.WatchStateExpired)
	m.logger.Info("watch expired",
		zap.String("watch_id", w.ID.String()),
		zap.String("thread_id", w.ThreadID))
	return nil
}

// Watches lists watches in state, or all watches if state is empty.
func (m *Monitor) Watches(ctx context.Context, state domain.WatchState) ([]domain.SniperWatch, error) {
	return m.store.ListWatches(ctx, state)
}

func (m *Monitor) Notifications(ctx context.Context, unreadOnly bool) ([]domain.TriggerNotification, error) {
	return m.store.ListNotifications(ctx, unreadOnly)
}

func (m *Monitor) MarkRead(ctx context.Context, id uuid.UUID) error {
	return m.store.MarkNotificationRead(ctx, id)
}

func (m *Monitor) isSelf(r domain.Reply) bool {
	return m.config.SelfAuthor != "" && strings.EqualFold(r.Author, m.config.SelfAuthor)
}

func (m *Monitor) transition(state domain.WatchState) {
	if m.metrics != nil {
		m.metrics.WatchTransition(string(state))
	}
}
