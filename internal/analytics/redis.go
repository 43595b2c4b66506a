// Package analytics keeps per-destination dispatch counters in Redis for
// dashboards. Counters are advisory; pacing decisions never read them.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/logging"
)

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodTotal Period = "total"
)

const keyPrefix = "pacer:dispatches"

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRedisSink returns a sink writing hour and day buckets that expire after
// retention, plus a running total with no expiry.
func NewRedisSink(client *redis.Client, retention time.Duration, logger *zap.Logger) *RedisSink {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		timeout:   2 * time.Second,
		logger:    logging.OrNop(logger).Named("analytics"),
	}
}

// Dial parses redisURL, pings the server and returns a sink over it.
func Dial(ctx context.Context, redisURL string, retention time.Duration, logger *zap.Logger) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisSink(client, retention, logger), nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Record increments the counters for rec. Failures are logged, never returned.
func (s *RedisSink) Record(ctx context.Context, rec domain.ActionRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.Increment(ctx, rec.Destination, rec.Kind, rec.DispatchedAt); err != nil {
		s.logger.Warn("failed to record dispatch",
			zap.String("destination", rec.Destination),
			zap.String("action_id", rec.ActionID.String()),
			zap.Error(err))
	}
}

// Increment bumps the hour, day and total counters in one round trip.
func (s *RedisSink) Increment(ctx context.Context, destination string, kind domain.ActionKind, at time.Time) error {
	pipe := s.client.Pipeline()

	for _, p := range []Period{PeriodHour, PeriodDay} {
		key := buildKey(destination, p, at)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.retention)
	}
	pipe.Incr(ctx, buildKey(destination, PeriodTotal, at))
	if kind != "" {
		pipe.Incr(ctx, fmt.Sprintf("%s:%s:kind:%s", keyPrefix, destination, kind))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// count returns the counter for destination in the period bucket containing at.
func (s *RedisSink) count(ctx context.Context, destination string, period Period, at time.Time) (int, error) {
	c, err := s.client.Get(ctx, buildKey(destination, period, at)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c, nil
}

func buildKey(destination string, period Period, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, destination, bucket(period, t))
}

func bucket(period Period, t time.Time) string {
	t = t.UTC()
	switch period {
	case PeriodHour:
		return "h:" + t.Format("2006010215")
	case PeriodDay:
		return "d:" + t.Format("20060102")
	default:
		return "total"
	}
}
