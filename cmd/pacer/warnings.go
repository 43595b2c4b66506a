package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/config"
)

// logConfigWarnings logs operational risks in an otherwise valid configuration.
//
// P0 warnings risk lost state or unintended publishing; P1 warnings reduce
// visibility.
func logConfigWarnings(logger *zap.Logger, cfg config.Config) {
	for _, w := range cfg.Warnings {
		logger.Warn(w, zap.String("priority", "P1"))
	}

	if cfg.DatabaseScheme() == "memory" {
		logger.Warn("DATABASE_URL=memory:// keeps pacing history, the queue and watches in memory; "+
			"a restart forgets recent dispatches and may exceed the daily cap",
			zap.String("priority", "P0"))
	}

	switch cfg.DatabaseScheme() {
	case "postgres", "postgresql", "pgx":
		if !cfg.LeaderElection {
			logger.Warn("LEADER_ELECTION=false with a shared database; "+
				"run a single instance or concurrent dispatchers will break pacing",
				zap.String("priority", "P0"))
		}
	}

	if cfg.ForumMode == "dryrun" {
		logger.Info("FORUM_MODE=dryrun; replies are logged, not published")
	}

	if cfg.SelfAuthor == "" {
		logger.Warn("SELF_AUTHOR not set; the account's own replies can trigger watches",
			zap.String("priority", "P1"))
	}

	if !cfg.MetricsEnabled {
		logger.Warn("METRICS_ENABLED=false; pacing refusals and dispatch failures are only visible in logs",
			zap.String("priority", "P1"))
	}

	if cfg.SlackWebhookURL == "" && cfg.TelegramToken == "" {
		logger.Info("no SLACK_WEBHOOK_URL or TELEGRAM_TOKEN; trigger notifications go to the log and the API only")
	}
}
