package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/pkg/api"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/sweeper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP trigger API and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *serverConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	promObs, err := metrics.NewPrometheusObserver(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(stores, api.Config{
		WorkerPoolSize:     cfg.Engine.Workers,
		DefaultStepTimeout: cfg.Engine.StepTimeout,
		DefaultMaxAttempts: cfg.Engine.MaxAttempts,
		RecoveryGrace:      cfg.Engine.RecoveryGrace,
		Observer:           api.NewCompositeObserver(api.NewLoggingObserver(logger), promObs),
		Logger:             logger,
	})
	defer eng.Close()

	if err := registerCoreModule(eng); err != nil {
		return err
	}

	// Startup order matters: abandoned steps are re-queued before the
	// open runs that own them are resumed.
	recovered, err := eng.RecoverAbandonedSteps(ctx)
	if err != nil {
		return err
	}
	resumed, err := eng.ResumeOpenRuns(ctx)
	if err != nil {
		return err
	}
	logger.Info("engine started",
		"driver", cfg.Store.Driver,
		"workers", cfg.Engine.Workers,
		"steps_recovered", recovered,
		"runs_resumed", resumed)

	sw := sweeper.New(stores.Logs, stores.Dedup, sweeper.Config{
		JobLogRetention: time.Duration(cfg.Retention.JobLogDays) * 24 * time.Hour,
		DedupRetention:  time.Duration(cfg.Retention.DedupDays) * 24 * time.Hour,
		Logger:          logger,
	})
	go sw.Run(ctx)

	e := newHTTPServer(eng, logger)
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		httpErr <- e.Start(cfg.HTTP.Addr)
	}()

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

			stores, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			sw := sweeper.New(stores.Logs, stores.Dedup, sweeper.Config{
				JobLogRetention: time.Duration(cfg.Retention.JobLogDays) * 24 * time.Hour,
				DedupRetention:  time.Duration(cfg.Retention.DedupDays) * 24 * time.Hour,
				Logger:          logger,
			})
			_, err = sw.SweepOnce(cmd.Context())
			return err
		},
	}
}
