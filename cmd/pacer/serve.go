package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/analytics"
	"github.com/djlord-it/pacer/internal/api"
	"github.com/djlord-it/pacer/internal/circuitbreaker"
	"github.com/djlord-it/pacer/internal/config"
	"github.com/djlord-it/pacer/internal/cron"
	"github.com/djlord-it/pacer/internal/dedup"
	"github.com/djlord-it/pacer/internal/dispatcher"
	"github.com/djlord-it/pacer/internal/forum"
	"github.com/djlord-it/pacer/internal/leaderelection"
	"github.com/djlord-it/pacer/internal/logging"
	"github.com/djlord-it/pacer/internal/metrics"
	"github.com/djlord-it/pacer/internal/notify"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/queue"
	"github.com/djlord-it/pacer/internal/scheduler"
	"github.com/djlord-it/pacer/internal/sniper"
	"github.com/djlord-it/pacer/internal/sweeper"
	"github.com/djlord-it/pacer/internal/transport/channel"
)

// metricsSink covers every component's metrics interface.
type metricsSink interface {
	pacing.MetricsSink
	dedup.MetricsSink
	queue.MetricsSink
	sniper.MetricsSink
	dispatcher.MetricsSink
	channel.MetricsSink
	sweeper.MetricsSink
	leaderelection.MetricsSink
}

var (
	_ metricsSink = (*metrics.PrometheusSink)(nil)
	_ metricsSink = (*metrics.NoopSink)(nil)
)

// forumTransport publishes replies and reads thread activity.
type forumTransport interface {
	dispatcher.Publisher
	sniper.ReplySource
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "start the dispatcher, thread poller and HTTP API",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return cli.Exit(fmt.Sprintf("configuration error: %v", err), exitInvalidConfig)
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return cli.Exit(fmt.Sprintf("configuration error: %v", err), exitInvalidConfig)
		}
		defer logger.Sync() //nolint:errcheck

		if err := runServe(cfg, logger); err != nil {
			logger.Error("exiting", zap.Error(err))
			return cli.Exit("", exitRuntimeError)
		}
		return nil
	},
}

func pacingConfig(cfg config.Config) pacing.Config {
	return pacing.Config{
		MinDelay:   cfg.MinDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxPerDay:  cfg.MaxPerDestinationPerDay,
		BurstLimit: cfg.ConsecutiveBurstLimit,
		Cooldown:   cfg.Cooldown,
		BurstGap:   cfg.BurstGap,
	}
}

func newForumTransport(cfg config.Config, logger *zap.Logger) forumTransport {
	if cfg.ForumMode == "http" {
		return forum.NewHTTPTransport(forum.HTTPConfig{
			BaseURL:       cfg.ForumBaseURL,
			Token:         cfg.ForumToken,
			SigningSecret: cfg.ForumSigningSecret,
			Timeout:       cfg.ForumTimeout,
			RetryMax:      cfg.ForumRetryMax,
		}, logger)
	}
	return forum.NewDryRunTransport(logger)
}

func newNotifiers(cfg config.Config, logger *zap.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhookURL))
	}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notifier disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	return notifiers
}

func runServe(cfg config.Config, logger *zap.Logger) error {
	logConfigWarnings(logger, cfg)

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.close()
	logger.Info("store opened",
		zap.String("scheme", cfg.DatabaseScheme()),
		zap.Int("max_open_conns", cfg.DBMaxOpenConns),
		zap.Int("max_idle_conns", cfg.DBMaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.DBConnMaxLifetime))

	// Metrics sink (optional)
	var sink metricsSink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort), zap.String("path", cfg.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	transport := newForumTransport(cfg, logger)
	bus := channel.NewNotificationBus(cfg.NotifyBufferSize, channel.WithMetrics(sink))
	router := notify.NewRouter(logger, newNotifiers(cfg, logger)...)

	engine := pacing.New(pacingConfig(cfg), st, logger).WithMetrics(sink)
	detectorCfg := dedup.DefaultConfig()
	detectorCfg.Threshold = cfg.SimilarityThreshold
	detectorCfg.MinContentTokens = cfg.MinContentTokens
	detector := dedup.New(detectorCfg, logger).WithMetrics(sink)
	q := queue.New(engine).WithMetrics(sink)
	sched := scheduler.New(scheduler.DefaultConfig(), st, q, detector, transport, logger)

	monitor := sniper.New(sniper.Config{TTL: cfg.WatchTTL, SelfAuthor: cfg.SelfAuthor}, st, bus, logger).
		WithMetrics(sink)
	pollerCfg := sniper.DefaultPollerConfig()
	pollerCfg.Interval = cfg.PollInterval
	pollerCfg.RatePerSecond = cfg.PollRatePerSecond
	poller := sniper.NewPoller(pollerCfg, monitor, transport)

	window, err := cron.NewActiveWindow(cfg.ActiveHours, cfg.ActiveHoursTimezone)
	if err != nil {
		return err
	}
	dispCfg := dispatcher.DefaultConfig()
	dispCfg.TickInterval = cfg.TickInterval
	dispCfg.MaxAttempts = cfg.MaxAttempts
	dispCfg.MaxPerTick = cfg.MaxPerTick
	disp := dispatcher.New(dispCfg, st, q, engine, transport, logger).
		WithDeployer(monitor).
		WithWindow(window).
		WithSyncer(sched).
		WithMetrics(sink)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	// Wire analytics if Redis is configured
	if cfg.RedisURL != "" {
		sinkCtx, cancel := context.WithTimeout(ctx, cfg.HTTPShutdownTimeout)
		redisSink, err := analytics.Dial(sinkCtx, cfg.RedisURL, cfg.RecordRetention, logger)
		cancel()
		if err != nil {
			logger.Warn("analytics disabled", zap.Error(err))
		} else {
			defer redisSink.Close()
			disp = disp.WithAnalytics(redisSink)
			logger.Info("analytics enabled")
		}
	}

	sweep := sweeper.New(sweeper.Config{
		Interval:  cfg.SweepInterval,
		Retention: cfg.RecordRetention,
	}, monitor, st, logger).WithMetrics(sink)

	handler := api.NewHandler(sched, engine, monitor, logger).
		WithRecords(st).
		WithEvaluator(detector)
	if st.db != nil {
		handler = handler.WithHealthChecker(st.db)
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	routerCtx, cancelRouter := context.WithCancel(ctx)
	var routerWg sync.WaitGroup
	routerWg.Add(1)
	go func() {
		defer routerWg.Done()
		router.Run(routerCtx, bus.Channel())
	}()

	duties := leaderelection.NewRoster(sched, logger).
		Add("dispatcher", disp).
		Add("poller", poller).
		Add("sweeper", leaderelection.RunnerFunc(sweep.Run))

	var electorWg sync.WaitGroup
	cancelElector := func() {}
	if cfg.LeaderElection && st.db != nil {
		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(ctx)
		elector := leaderelection.New(
			st.db,
			leaderelection.LockKey(cfg.LeaderLockName),
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			duties,
			logger,
		).WithMetrics(sink)
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
	} else {
		duties.Start(ctx)
	}

	logger.Info("started",
		zap.String("version", version),
		zap.String("forum_mode", cfg.ForumMode),
		zap.Duration("tick", cfg.TickInterval),
		zap.String("active_hours", window.String()),
		zap.Bool("leader_election", cfg.LeaderElection))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutting down", zap.String("signal", received.String()))

	// Phase 1: stop dispatch, polling and sweeping (via demotion when elected)
	cancelElector()
	electorWg.Wait()
	duties.Stop()

	// Phase 2: stop the notification router
	logger.Info("stopping notification router")
	cancelRouter()
	routerWg.Wait()

	// Phase 3: stop HTTP servers
	logger.Info("stopping http server")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		logger.Info("stopping metrics server")
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsCancel()
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("stopped")
	return nil
}
