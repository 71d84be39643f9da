package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is loaded once at process start from the environment, the same
// caarlos0/env + go-playground/validator pipeline the rest of the pack
// uses for its command surfaces.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// HandlerName identifies this process's Attempt rows; it should be
	// stable per deployment (pod name, hostname) so stale attempts can be
	// traced back to whoever abandoned them.
	HandlerName string `env:"HANDLER_NAME" envDefault:"panel-handler" validate:"required"`
	// MaxTimeIntervalSec is the heartbeat staleness threshold: an Attempt
	// not updated within this window is eligible for reclamation.
	MaxTimeIntervalSec int `env:"MAX_TIME_INTERVAL_SEC" envDefault:"30" validate:"min=1"`
	// WorkerCount is the ParallelHandler's concurrency (n). 1 runs the
	// single-worker Handler instead.
	WorkerCount int `env:"WORKER_COUNT" envDefault:"1" validate:"min=1,max=100"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// TTRSS* configures the optional TTRSS ingester; it is only required
	// by the commands that use it (panel ingest ttrss / schedule), not by
	// the core claim/execute loop.
	TTRSSBaseURL  string `env:"TTRSS_BASE_URL"`
	TTRSSUser     string `env:"TTRSS_USER"`
	TTRSSPassword string `env:"TTRSS_PASSWORD"`

	// RSSHubRoute/CronSpec and TTRSSCategoryID/CronSpec configure `panel
	// ingest schedule`: a standing cron loop that re-runs the rsshub/ttrss
	// ingesters on their own interval rather than once per CLI invocation.
	RSSHubRoute     string `env:"RSSHUB_ROUTE"`
	RSSHubCronSpec  string `env:"RSSHUB_CRON_SPEC" envDefault:"*/10 * * * *"`
	TTRSSCategoryID int    `env:"TTRSS_CATEGORY_ID"`
	TTRSSCronSpec   string `env:"TTRSS_CRON_SPEC" envDefault:"*/15 * * * *"`
}

// Load parses and validates Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
