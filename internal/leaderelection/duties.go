package leaderelection

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/logging"
)

// Duties is the work an instance performs only while it leads.
//
// Start is called in a new goroutine on election; its context is cancelled
// when leadership ends. Stop is called synchronously after that and must
// block until every duty has returned.
type Duties interface {
	Start(ctx context.Context)
	Stop()
}

// Runner is one background loop owned by a Roster.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a loop without an error result to Runner.
type RunnerFunc func(ctx context.Context)

func (f RunnerFunc) Run(ctx context.Context) error {
	f(ctx)
	return nil
}

// Resyncer rebuilds the in-memory action queue from the shared store. A new
// leader has not seen the actions other instances accepted.
type Resyncer interface {
	Resync(ctx context.Context) (added, dropped int, err error)
}

// Roster runs the leader-only loops of a pacer instance: dispatch, thread
// polling and sweeping. On Start it resyncs the queue, then launches the
// loops in the order they were added. Stop cancels them in the same order
// and waits for each before moving on, so the dispatcher drains before the
// poller stops feeding it.
type Roster struct {
	resync  Resyncer // optional
	entries []entry
	logger  *zap.Logger

	mu   sync.Mutex
	stop func()
}

type entry struct {
	name string
	run  Runner
}

type running struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRoster creates an empty Roster.
func NewRoster(resync Resyncer, logger *zap.Logger) *Roster {
	return &Roster{resync: resync, logger: logging.OrNop(logger).Named("duties")}
}

// Add appends a named loop. Not safe to call once started.
func (r *Roster) Add(name string, run Runner) *Roster {
	r.entries = append(r.entries, entry{name: name, run: run})
	return r
}

// Start implements Duties. It is a no-op while already running or once ctx
// is done.
func (r *Roster) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil || ctx.Err() != nil {
		return
	}

	if r.resync != nil {
		added, dropped, err := r.resync.Resync(ctx)
		if err != nil {
			r.logger.Error("queue resync failed", zap.Error(err))
		} else {
			r.logger.Info("queue rebuilt", zap.Int("added", added), zap.Int("dropped", dropped))
		}
	}

	loops := make([]running, 0, len(r.entries))
	for _, e := range r.entries {
		loops = append(loops, r.launch(ctx, e))
	}
	r.stop = func() {
		for _, l := range loops {
			r.logger.Info("stopping worker", zap.String("worker", l.name))
			l.cancel()
			<-l.done
			r.logger.Info("worker stopped", zap.String("worker", l.name))
		}
	}
}

func (r *Roster) launch(ctx context.Context, e entry) running {
	lctx, cancel := context.WithCancel(ctx)
	l := running{name: e.name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		if err := e.run.Run(lctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("worker exited", zap.String("worker", e.name), zap.Error(err))
		}
	}()
	return l
}

// Stop implements Duties. Safe to call when not running.
func (r *Roster) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Running reports whether the loops are live.
func (r *Roster) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}
