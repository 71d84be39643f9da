package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/kosmonaut/missionpanel/config"
	logpkg "github.com/kosmonaut/missionpanel/internal/log"
	"github.com/kosmonaut/missionpanel/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	var base slog.Handler
	if cfg.Env == "local" {
		base = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		base = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(logpkg.NewContextHandler(base))
}
