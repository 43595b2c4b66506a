package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/djlord-it/pacer/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

var databaseSchemes = map[string]bool{
	"memory":     true,
	"sqlite":     true,
	"sqlite3":    true,
	"file":       true,
	"postgres":   true,
	"postgresql": true,
	"pgx":        true,
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	} else if !databaseSchemes[cfg.DatabaseScheme()] {
		add("DATABASE_URL", "unsupported scheme %q", cfg.DatabaseScheme())
	}

	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			add(d.key, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.key, "must be positive")
		}
	}

	if cfg.MinDelay > 0 && cfg.MaxDelay > 0 && cfg.MinDelay > cfg.MaxDelay {
		add("MIN_DELAY", "must not exceed MAX_DELAY (%s > %s)", cfg.MinDelayStr, cfg.MaxDelayStr)
	}

	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		add("SIMILARITY_THRESHOLD", "must be in (0, 1], got %g", cfg.SimilarityThreshold)
	}
	if cfg.PollRatePerSecond <= 0 {
		add("POLL_RATE_PER_SECOND", "must be positive, got %g", cfg.PollRatePerSecond)
	}

	if _, err := cron.NewActiveWindow(cfg.ActiveHours, cfg.ActiveHoursTimezone); err != nil {
		add("ACTIVE_HOURS", "%v", err)
	}

	switch cfg.ForumMode {
	case "dryrun":
	case "http":
		if cfg.ForumBaseURL == "" {
			add("FORUM_BASE_URL", "required when FORUM_MODE is 'http'")
		} else if u, err := url.Parse(cfg.ForumBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("FORUM_BASE_URL", "must be an absolute URL, got %q", cfg.ForumBaseURL)
		}
	default:
		add("FORUM_MODE", "must be 'dryrun' or 'http', got %q", cfg.ForumMode)
	}

	if (cfg.TelegramToken == "") != (cfg.TelegramChatID == "") {
		add("TELEGRAM_CHAT_ID", "TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	if cfg.LeaderElection {
		switch cfg.DatabaseScheme() {
		case "postgres", "postgresql", "pgx":
		default:
			add("LEADER_ELECTION", "requires a postgres DATABASE_URL")
		}
		if cfg.LeaderLockName == "" {
			add("LEADER_LOCK_NAME", "required when LEADER_ELECTION is enabled")
		}
	}

	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		add("DB_MAX_IDLE_CONNS", "must not exceed DB_MAX_OPEN_CONNS (%d > %d)", cfg.DBMaxIdleConns, cfg.DBMaxOpenConns)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
