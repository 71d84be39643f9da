package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/kosmonaut/missionpanel/config"
	"github.com/kosmonaut/missionpanel/internal/domain"
	execpkg "github.com/kosmonaut/missionpanel/internal/exec"
	"github.com/kosmonaut/missionpanel/internal/infrastructure/postgres"
	"github.com/kosmonaut/missionpanel/internal/ingest"
	"github.com/kosmonaut/missionpanel/internal/metrics"
	"github.com/kosmonaut/missionpanel/internal/panel"
	"github.com/kosmonaut/missionpanel/internal/server"
)

// jsonCommandBuilder turns a mission's JSON content into argv by reading
// its "cmd" field — the generic bridge between arbitrary mission content
// and exec.SubprocessRunner, for operators who don't need a custom
// CommandBuilder of their own.
type jsonCommandBuilder struct{}

func (jsonCommandBuilder) ConstructCommand(_ context.Context, mission *domain.Mission, _ *domain.Attempt) ([]string, error) {
	var payload struct {
		Cmd []string `json:"cmd"`
	}
	if err := json.Unmarshal(mission.Content, &payload); err != nil {
		return nil, fmt.Errorf("mission %d content has no \"cmd\" array: %w", mission.ID, err)
	}
	if len(payload.Cmd) == 0 {
		return nil, fmt.Errorf("mission %d content's \"cmd\" array is empty", mission.ID)
	}
	return payload.Cmd, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "panel",
		Short: "Submit, tag, and run tag-addressable missions against a shared Postgres queue.",
	}

	root.AddCommand(
		newMigrateCmd(),
		newSubmitCmd(),
		newTagCmd(),
		newRunCmd(),
		newIngestCmd(),
		newServeCmd(),
	)
	return root
}

func loadLogger(cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if cfg.Env == "local" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only missions/attempts HTTP surface and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, cfg, loadLogger(cfg))
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(ctx, pool)
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "submit <content-json> <pattern> [pattern...]",
		Short: "CreateMission: submit mission content under one or more patterns, optionally tagging it.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := json.RawMessage(args[0])
			if !json.Valid(content) {
				return fmt.Errorf("content must be valid JSON, got %q", args[0])
			}
			patterns := args[1:]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)
			sub := panel.NewSubmitter(pool, logger)
			mission, err := sub.CreateMission(ctx, content, patterns, tags)
			if err != nil {
				return err
			}
			fmt.Printf("mission %d\n", mission.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	return cmd
}

func newTagCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "tag <pattern> [pattern...]",
		Short: "AddTags: attach tags to the mission matching any of the given patterns.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tags) == 0 {
				return fmt.Errorf("at least one --tag is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)
			sub := panel.NewSubmitter(pool, logger)
			return sub.AddTags(ctx, args, tags)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable, required)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var tagsCSV string
	var workers int
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the claim/execute loop: subprocess missions matching the given tags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if workers < 1 {
				workers = cfg.WorkerCount
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)

			metrics.Register()
			metrics.HandlerStartTime.Set(float64(time.Now().Unix()))
			metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
			go func() {
				logger.Info("metrics server started", "port", cfg.MetricsPort)
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "error", err)
				}
			}()
			defer func() {
				metrics.HandlerShutdownsTotal.Inc()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					logger.Error("metrics server shutdown", "error", err)
				}
			}()

			runner := execpkg.NewSubprocessRunner(jsonCommandBuilder{}, logger)
			maxInterval := time.Duration(cfg.MaxTimeIntervalSec) * time.Second
			h := panel.NewHandler(pool, cfg.HandlerName, maxInterval, runner, logger)

			tags := splitTags(tagsCSV)
			if once {
				_, err := h.RunOnce(ctx, tags)
				return err
			}
			if workers <= 1 {
				return h.RunAll(ctx, tags)
			}

			ph := panel.NewParallelHandler(h, workers)
			return ph.RunAll(ctx, tags)
		},
	}
	cmd.Flags().StringVar(&tagsCSV, "tags", "", "comma-separated tag set to claim against")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers (defaults to WORKER_COUNT)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single claim/execute cycle and exit")
	return cmd
}

func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{Use: "ingest", Short: "Submit missions from an external feed source."}

	rsshubCmd := &cobra.Command{
		Use:   "rsshub <route-url>",
		Short: "Submit one mission per RSSHub route (root mode).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)
			sub := panel.NewSubmitter(pool, logger)
			client := execpkg.NewHTTPClient(30 * time.Second)
			submitter := ingest.NewRSSHubSubmitter(client, sub, ingest.RootMode, logger)
			return submitter.Run(ctx, args[0])
		},
	}

	ttrssCmd := &cobra.Command{
		Use:   "ttrss <category-id>",
		Short: "Submit one mission per TTRSS feed in a category (root mode).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("category id must be an integer: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.TTRSSBaseURL == "" {
				return fmt.Errorf("TTRSS_BASE_URL is not set")
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)
			sub := panel.NewSubmitter(pool, logger)
			httpClient := execpkg.NewHTTPClient(30 * time.Second)
			ttrssClient := ingest.NewTTRSSClient(cfg.TTRSSBaseURL, cfg.TTRSSUser, cfg.TTRSSPassword, httpClient, logger)
			submitter := ingest.NewTTRSSSubmitter(ttrssClient, httpClient, sub, ingest.RootMode, logger)
			return submitter.Run(ctx, catID)
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the rsshub/ttrss ingesters on their own standing cron schedules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := loadLogger(cfg)
			sub := panel.NewSubmitter(pool, logger)
			httpClient := execpkg.NewHTTPClient(30 * time.Second)
			poller := ingest.NewPoller(logger)

			if cfg.RSSHubRoute != "" {
				submitter := ingest.NewRSSHubSubmitter(httpClient, sub, ingest.RootMode, logger)
				route := cfg.RSSHubRoute
				if err := poller.Add(cfg.RSSHubCronSpec, "rsshub", func(runCtx context.Context) error {
					return submitter.Run(runCtx, route)
				}); err != nil {
					return fmt.Errorf("schedule rsshub: %w", err)
				}
			}
			if cfg.TTRSSBaseURL != "" && cfg.TTRSSCategoryID != 0 {
				ttrssClient := ingest.NewTTRSSClient(cfg.TTRSSBaseURL, cfg.TTRSSUser, cfg.TTRSSPassword, httpClient, logger)
				submitter := ingest.NewTTRSSSubmitter(ttrssClient, httpClient, sub, ingest.RootMode, logger)
				catID := cfg.TTRSSCategoryID
				if err := poller.Add(cfg.TTRSSCronSpec, "ttrss", func(runCtx context.Context) error {
					return submitter.Run(runCtx, catID)
				}); err != nil {
					return fmt.Errorf("schedule ttrss: %w", err)
				}
			}

			poller.Run(ctx)
			return nil
		},
	}

	ingestCmd.AddCommand(rsshubCmd, ttrssCmd, scheduleCmd)
	return ingestCmd
}

func splitTags(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
