// Package server wires the read-only HTTP surface and its graceful
// listen/shutdown sequence, shared between the standalone panel-server
// binary and `panel serve`.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kosmonaut/missionpanel/config"
	"github.com/kosmonaut/missionpanel/internal/health"
	"github.com/kosmonaut/missionpanel/internal/infrastructure/postgres"
	"github.com/kosmonaut/missionpanel/internal/metrics"
	httptransport "github.com/kosmonaut/missionpanel/internal/transport/http"
	"github.com/kosmonaut/missionpanel/internal/transport/http/handler"
)

// Run blocks serving the panel's read-only HTTP and metrics endpoints
// until ctx is cancelled, then shuts both down gracefully.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)
	panelHandler := handler.NewPanelHandler(pool)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewPanelRouter(panelHandler, checker, logger),
	}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("panel-server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	return nil
}
