// Package leaderelection makes one pacer instance the dispatcher when several
// share a PostgreSQL database.
//
// A session-scoped advisory lock determines the leader. The lock is held for
// the lifetime of a dedicated connection; there is no renewal or TTL. If the
// connection dies, Postgres releases the lock server-side.
//
// The heartbeat ping only detects local connection death so the leader can
// stop dispatching promptly. It does not renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/logging"
)

// Reasons passed to the demotion log and metrics.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatus(isLeader bool)
}

type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	duties            Duties
	metrics           MetricsSink // optional, nil = disabled
	logger            *zap.Logger
}

// LockKey derives a stable advisory lock key from a name, so instances
// configured with the same name contend for the same lock.
func LockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// New creates an Elector that runs duties while it holds the lock.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	duties Duties,
	logger *zap.Logger,
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duties:            duties,
		logger:            logging.OrNop(logger).Named("leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run loops over lock attempts until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("starting election loop",
		zap.Int64("lock_key", e.lockKey),
		zap.Duration("retry", e.retryInterval),
		zap.Duration("heartbeat", e.heartbeatInterval))
	e.setStatus(false)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			e.logger.Info("election loop stopped")
			return
		}
		if reason != "" {
			e.logger.Warn("lost leadership",
				zap.String("reason", reason),
				zap.Duration("retry_in", e.retryInterval))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce tries the lock and, if acquired, holds it until lost.
// It returns the reason leadership ended, or "" if the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("failed to acquire dedicated connection", zap.Error(err))
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("advisory lock query failed", zap.Error(err))
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another instance", zap.Int64("lock_key", e.lockKey))
		return ""
	}

	e.logger.Info("acquired leadership", zap.Int64("lock_key", e.lockKey))
	e.setStatus(true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.duties.Start(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.duties.Stop()
	e.setStatus(false)

	e.logger.Info("released leadership", zap.String("reason", reason))
	return reason
}

func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error("dedicated connection ping failed", zap.Error(err))
				return ReasonConnLost
			}
		}
	}
}

func (e *Elector) setStatus(leader bool) {
	if e.metrics != nil {
		e.metrics.LeaderStatus(leader)
	}
}
