// Package notify delivers sniper trigger notifications to the humans who
// decide whether to follow up.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

type Notifier interface {
	Name() string
	Notify(ctx context.Context, n domain.TriggerNotification) error
}

// Router fans each notification out to every notifier. A failing notifier
// does not stop the others.
type Router struct {
	notifiers []Notifier
	logger    *zap.Logger
}

func NewRouter(logger *zap.Logger, notifiers ...Notifier) *Router {
	return &Router{
		notifiers: notifiers,
		logger:    logging.OrNop(logger).Named("notify"),
	}
}

// Run consumes notifications until ctx is cancelled or the channel closes.
func (r *Router) Run(ctx context.Context, ch <-chan domain.TriggerNotification) {
	r.logger.Info("started", zap.Int("notifiers", len(r.notifiers)))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping")
			return
		case n, ok := <-ch:
			if !ok {
				r.logger.Info("channel closed, stopping")
				return
			}
			r.Dispatch(ctx, n)
		}
	}
}

// Dispatch sends n to every notifier and returns how many succeeded.
func (r *Router) Dispatch(ctx context.Context, n domain.TriggerNotification) int {
	delivered := 0
	for _, nt := range r.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			r.logger.Warn("notifier failed",
				zap.String("notifier", nt.Name()),
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// FormatMessage renders n as a short plain-text message.
func FormatMessage(n domain.TriggerNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sniper trigger on %s (thread %s)\n", n.Destination, n.ThreadID)
	fmt.Fprintf(&b, "Matched %q in a reply by %s:\n", n.Trigger, n.Reply.Author)
	fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(strings.TrimSpace(n.Reply.Text), "\n", "\n> "))
	fmt.Fprintf(&b, "Notification %s", n.ID)
	return b.String()
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger).Named("notify.log")}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, n domain.TriggerNotification) error {
	l.logger.Info("sniper triggered",
		zap.String("notification_id", n.ID.String()),
		zap.String("watch_id", n.WatchID.String()),
		zap.String("destination", n.Destination),
		zap.String("thread_id", n.ThreadID),
		zap.String("trigger", n.Trigger),
		zap.String("reply_id", n.Reply.ID),
		zap.String("reply_author", n.Reply.Author),
	)
	return nil
}
