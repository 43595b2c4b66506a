package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/djlord-it/pacer/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pacer: %v\n", err)
		os.Exit(exitRuntimeError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "pacer",
		Usage:   "paced forum reply dispatcher with duplicate vetting and follow-up triggers",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Description: `Configuration is read from the environment, a .env file in the working
directory, and an optional YAML file (--config / PACER_CONFIG_FILE).

Environment Variables:
  DATABASE_URL                 sqlite://, postgres://, pgx:// or memory:// (default: "sqlite://data/pacer.db")
  REDIS_URL                    Redis URL for dispatch analytics (optional)
  HTTP_ADDR                    HTTP API address (default: ":8080", or ":$PORT")
  LOG_LEVEL / LOG_FORMAT       debug|info|warn|error / json|console (default: "info" / "json")

  MIN_DELAY / MAX_DELAY        Randomized spacing per destination (default: "10m" / "30m")
  MAX_PER_DESTINATION_PER_DAY  Dispatches per trailing 24h (default: "5")
  CONSECUTIVE_BURST_LIMIT      Closely spaced dispatches before a cooldown (default: "3")
  COOLDOWN                     Cooldown after a burst (default: "60m")
  BURST_GAP                    Largest gap that continues a burst (default: MAX_DELAY)
  ACTIVE_HOURS / _TZ           Cron expression of allowed minutes (default: always)

  SIMILARITY_THRESHOLD         Duplicate score threshold (default: "0.6")
  MIN_CONTENT_TOKENS           Content words required to vet a reply (default: "3")

  FORUM_MODE                   dryrun|http (default: "dryrun")
  FORUM_BASE_URL               Forum reply API base URL (required for http)
  FORUM_TOKEN                  Bearer token for the forum API
  FORUM_SIGNING_SECRET         HMAC-SHA256 request signing secret (optional)
  SELF_AUTHOR                  Own account name, ignored by trigger matching

  WATCH_TTL                    How long a thread is watched (default: "72h")
  POLL_INTERVAL                Poll interval per watched thread (default: "2m")
  SLACK_WEBHOOK_URL            Slack incoming webhook for trigger alerts (optional)
  TELEGRAM_TOKEN / _CHAT_ID    Telegram bot and chat for trigger alerts (optional)

  METRICS_ENABLED              Enable Prometheus metrics (default: "false")
  METRICS_PATH / METRICS_PORT  Metrics endpoint (default: "/metrics" on "9090")
  LEADER_ELECTION              Run dispatch on one instance via postgres advisory lock (default: "false")`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{"PACER_CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			validateCmd,
			configCmd,
			statusCmd,
			versionCmd,
		},
	}
}

// loadConfig applies --config before reading configuration.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	if path := cctx.String("config"); path != "" {
		if err := os.Setenv("PACER_CONFIG_FILE", path); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, cli.Exit(err.Error(), exitInvalidConfig)
	}
	return cfg, nil
}

var validateCmd = &cli.Command{
	Name:  "validate",
	Usage: "validate configuration (no connections made)",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return cli.Exit(err.Error(), exitInvalidConfig)
		}
		for _, w := range cfg.Warnings {
			fmt.Fprintf(cctx.App.ErrWriter, "warning: %s\n", w)
		}
		fmt.Fprintln(cctx.App.Writer, "configuration valid")
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print effective configuration as JSON (secrets masked)",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		data, err := cfg.MaskedJSON()
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to marshal config: %v", err), exitRuntimeError)
		}
		fmt.Fprintln(cctx.App.Writer, string(data))
		return nil
	},
}

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "print version information",
	Action: func(cctx *cli.Context) error {
		fmt.Fprintf(cctx.App.Writer, "pacer version %s (commit: %s)\n", version, commit)
		return nil
	},
}
