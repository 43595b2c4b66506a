package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for pacer. Values come from, in order of
// precedence: the process environment, a .env file in the working
// directory, and the YAML file named by PACER_CONFIG_FILE.
//
// Durations are kept twice: the raw string for validation and display, and
// the parsed value for use.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisURL    string `json:"redis_url,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Pacing
	MinDelay                time.Duration `json:"-"`
	MinDelayStr             string        `json:"min_delay"`
	MaxDelay                time.Duration `json:"-"`
	MaxDelayStr             string        `json:"max_delay"`
	MaxPerDestinationPerDay int           `json:"max_per_destination_per_day"`
	ConsecutiveBurstLimit   int           `json:"consecutive_burst_limit"`
	Cooldown                time.Duration `json:"-"`
	CooldownStr             string        `json:"cooldown"`
	BurstGap                time.Duration `json:"-"`
	BurstGapStr             string        `json:"burst_gap,omitempty"`
	ActiveHours             string        `json:"active_hours,omitempty"`
	ActiveHoursTimezone     string        `json:"active_hours_timezone"`

	// Duplicate detection
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MinContentTokens    int     `json:"min_content_tokens"`

	// Dispatch
	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`
	MaxAttempts     int           `json:"max_attempts"`
	MaxPerTick      int           `json:"max_per_tick"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// Forum transport: "dryrun" logs instead of publishing.
	ForumMode          string        `json:"forum_mode"`
	ForumBaseURL       string        `json:"forum_base_url,omitempty"`
	ForumToken         string        `json:"-"`
	ForumSigningSecret string        `json:"-"`
	ForumTimeout       time.Duration `json:"-"`
	ForumTimeoutStr    string        `json:"forum_timeout"`
	ForumRetryMax      int           `json:"forum_retry_max"`
	SelfAuthor         string        `json:"self_author,omitempty"`

	// Sniper
	WatchTTL          time.Duration `json:"-"`
	WatchTTLStr       string        `json:"watch_ttl"`
	PollInterval      time.Duration `json:"-"`
	PollIntervalStr   string        `json:"poll_interval"`
	PollRatePerSecond float64       `json:"poll_rate_per_second"`
	NotifyBufferSize  int           `json:"notify_buffer_size"`
	SlackWebhookURL   string        `json:"-"`
	TelegramToken     string        `json:"-"`
	TelegramChatID    string        `json:"telegram_chat_id,omitempty"`

	// Housekeeping
	SweepInterval      time.Duration `json:"-"`
	SweepIntervalStr   string        `json:"sweep_interval"`
	RecordRetention    time.Duration `json:"-"`
	RecordRetentionStr string        `json:"record_retention"`

	// Database pool
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	// LeaderElection requires a postgres DATABASE_URL. All instances sharing
	// the database must use the same LeaderLockName.
	LeaderElection             bool          `json:"leader_election"`
	LeaderLockName             string        `json:"leader_lock_name"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// Warnings collects values that were ignored while loading.
	Warnings []string `json:"-"`
}

// source resolves a key against the environment, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return s.file[key]
}

// Load reads .env and PACER_CONFIG_FILE (both optional) and then the
// environment. It fails only when a named config file cannot be read.
func Load() (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	src := source{file: map[string]string{}}
	if path := os.Getenv("PACER_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src), nil
}

// readFile parses a flat YAML mapping of the same keys as the environment.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func load(src source) Config {
	cfg := Config{
		DatabaseURL:                orDefault(src.get("DATABASE_URL"), "sqlite://data/pacer.db"),
		RedisURL:                   src.get("REDIS_URL"),
		HTTPAddr:                   src.get("HTTP_ADDR"),
		LogLevel:                   orDefault(src.get("LOG_LEVEL"), "info"),
		LogFormat:                  orDefault(src.get("LOG_FORMAT"), "json"),
		MinDelayStr:                orDefault(src.get("MIN_DELAY"), "10m"),
		MaxDelayStr:                orDefault(src.get("MAX_DELAY"), "30m"),
		CooldownStr:                orDefault(src.get("COOLDOWN"), "60m"),
		BurstGapStr:                src.get("BURST_GAP"),
		ActiveHours:                src.get("ACTIVE_HOURS"),
		ActiveHoursTimezone:        orDefault(src.get("ACTIVE_HOURS_TZ"), "UTC"),
		TickIntervalStr:            orDefault(src.get("TICK_INTERVAL"), "30s"),
		CircuitBreakerCooldownStr:  orDefault(src.get("CIRCUIT_BREAKER_COOLDOWN"), "2m"),
		ForumMode:                  orDefault(src.get("FORUM_MODE"), "dryrun"),
		ForumBaseURL:               src.get("FORUM_BASE_URL"),
		ForumToken:                 src.get("FORUM_TOKEN"),
		ForumSigningSecret:         src.get("FORUM_SIGNING_SECRET"),
		ForumTimeoutStr:            orDefault(src.get("FORUM_TIMEOUT"), "10s"),
		SelfAuthor:                 src.get("SELF_AUTHOR"),
		WatchTTLStr:                orDefault(src.get("WATCH_TTL"), "72h"),
		PollIntervalStr:            orDefault(src.get("POLL_INTERVAL"), "2m"),
		SlackWebhookURL:            src.get("SLACK_WEBHOOK_URL"),
		TelegramToken:              src.get("TELEGRAM_TOKEN"),
		TelegramChatID:             src.get("TELEGRAM_CHAT_ID"),
		SweepIntervalStr:           orDefault(src.get("SWEEP_INTERVAL"), "5m"),
		RecordRetentionStr:         orDefault(src.get("RECORD_RETENTION"), "168h"),
		DBConnMaxLifetimeStr:       orDefault(src.get("DB_CONN_MAX_LIFETIME"), "30m"),
		HTTPShutdownTimeoutStr:     orDefault(src.get("HTTP_SHUTDOWN_TIMEOUT"), "10s"),
		MetricsEnabled:             src.get("METRICS_ENABLED") == "true",
		MetricsPath:                orDefault(src.get("METRICS_PATH"), "/metrics"),
		MetricsPort:                orDefault(src.get("METRICS_PORT"), "9090"),
		LeaderElection:             src.get("LEADER_ELECTION") == "true",
		LeaderLockName:             orDefault(src.get("LEADER_LOCK_NAME"), "pacer"),
		LeaderRetryIntervalStr:     orDefault(src.get("LEADER_RETRY_INTERVAL"), "5s"),
		LeaderHeartbeatIntervalStr: orDefault(src.get("LEADER_HEARTBEAT_INTERVAL"), "2s"),
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := src.get("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.MaxPerDestinationPerDay = cfg.intVar(src, "MAX_PER_DESTINATION_PER_DAY", 5, 1)
	cfg.ConsecutiveBurstLimit = cfg.intVar(src, "CONSECUTIVE_BURST_LIMIT", 3, 0)
	cfg.MinContentTokens = cfg.intVar(src, "MIN_CONTENT_TOKENS", 3, 1)
	cfg.MaxAttempts = cfg.intVar(src, "MAX_ATTEMPTS", 4, 1)
	cfg.MaxPerTick = cfg.intVar(src, "MAX_PER_TICK", 10, 1)
	cfg.CircuitBreakerThreshold = cfg.intVar(src, "CIRCUIT_BREAKER_THRESHOLD", 5, 0)
	cfg.ForumRetryMax = cfg.intVar(src, "FORUM_RETRY_MAX", 3, 0)
	cfg.NotifyBufferSize = cfg.intVar(src, "NOTIFY_BUFFER_SIZE", 100, 1)
	cfg.DBMaxOpenConns = cfg.intVar(src, "DB_MAX_OPEN_CONNS", 25, 1)
	cfg.DBMaxIdleConns = cfg.intVar(src, "DB_MAX_IDLE_CONNS", 5, 1)
	cfg.SimilarityThreshold = cfg.floatVar(src, "SIMILARITY_THRESHOLD", 0.6)
	cfg.PollRatePerSecond = cfg.floatVar(src, "POLL_RATE_PER_SECOND", 1)

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = v
		}
	}
	return cfg
}

type durationField struct {
	key string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"MIN_DELAY", &c.MinDelayStr, &c.MinDelay},
		{"MAX_DELAY", &c.MaxDelayStr, &c.MaxDelay},
		{"COOLDOWN", &c.CooldownStr, &c.Cooldown},
		{"BURST_GAP", &c.BurstGapStr, &c.BurstGap},
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"FORUM_TIMEOUT", &c.ForumTimeoutStr, &c.ForumTimeout},
		{"WATCH_TTL", &c.WatchTTLStr, &c.WatchTTL},
		{"POLL_INTERVAL", &c.PollIntervalStr, &c.PollInterval},
		{"SWEEP_INTERVAL", &c.SweepIntervalStr, &c.SweepInterval},
		{"RECORD_RETENTION", &c.RecordRetentionStr, &c.RecordRetention},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

func (c *Config) intVar(src source, key string, def, min int) int {
	raw := src.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("invalid %s %q (must be an integer >= %d), using default %d", key, raw, min, def))
		return def
	}
	return n
}

func (c *Config) floatVar(src source, key string, def float64) float64 {
	raw := src.get(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("invalid %s %q (must be a number), using default %g", key, raw, def))
		return def
	}
	return f
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// DatabaseScheme returns the scheme of DatabaseURL ("sqlite", "postgres", ...).
func (c Config) DatabaseScheme() string {
	scheme, _, ok := strings.Cut(c.DatabaseURL, "://")
	if !ok {
		return ""
	}
	return scheme
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskURL(c.DatabaseURL)
	masked.RedisURL = maskURL(c.RedisURL)

	type secrets struct {
		ForumToken         string `json:"forum_token,omitempty"`
		ForumSigningSecret string `json:"forum_signing_secret,omitempty"`
		SlackWebhookURL    string `json:"slack_webhook_url,omitempty"`
		TelegramToken      string `json:"telegram_token,omitempty"`
	}
	return json.MarshalIndent(struct {
		Config
		secrets
	}{
		Config: masked,
		secrets: secrets{
			ForumToken:         maskSecret(c.ForumToken),
			ForumSigningSecret: maskSecret(c.ForumSigningSecret),
			SlackWebhookURL:    maskSecret(c.SlackWebhookURL),
			TelegramToken:      maskSecret(c.TelegramToken),
		},
	}, "", "  ")
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskURL hides credentials in a URL, keeping scheme, host and path.
// SQLite paths carry no credentials and are shown as is.
func maskURL(s string) string {
	if s == "" || strings.HasPrefix(s, "sqlite://") || strings.HasPrefix(s, "memory://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
