package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/gateway"
	"github.com/jkaninda/nyumba/internal/gateway/httpapi"
	"github.com/jkaninda/nyumba/internal/gateway/ws"
	"github.com/jkaninda/nyumba/internal/ratelimit"
	"github.com/jkaninda/nyumba/internal/scheduler"
)

var (
	configFile string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		goutils.Env("NYUMBA_CONFIG", config.DefaultConfigPath()),
		"Path to the configuration file")
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "Gateway listen address (overrides config)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{}
		}
		cfg.Gateway.ListenAddr = listenAddr
	}
	if cfg.Gateway == nil {
		return fmt.Errorf("gateway is not configured; set gateway.listen_addr or pass --addr")
	}

	logger := newLogger(cfg.Log)
	logger.Info("nyumba starting",
		slog.String("version", version),
		slog.String("environment", cfg.Env()),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopCleanup := sc.Approvals.StartCleanup(ctx, time.Minute)
	defer stopCleanup()

	// Retention sweeper.
	if cfg.Retention != nil {
		var sweepMetrics *scheduler.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			sweepMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}
		sweeper := scheduler.New(sc.Store.Reports(), sc.Artifacts, cfg.Retention, sweepMetrics, logger)
		stopSweeper, err := sweeper.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting retention sweeper: %w", err)
		}
		defer stopSweeper()
	}

	// Per-client rate limiter on /v1.
	var limiter *ratelimit.Limiter
	if cfg.Gateway.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		AuthToken:      cfg.Gateway.AuthToken,
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		gwCfg.HealthChecker = sc.Obs.Health
	}

	gw := httpapi.NewGateway(gwCfg, sc.Agent, sc.Approvals, limiter, logger).
		WithStore(sc.Store).
		WithArtifacts(sc.Artifacts).
		WithEntities(sc.Home)
	if cfg.Gateway.EnableDocs {
		gw = gw.WithOpenAPIDocs()
	}

	// Live event feed over WebSocket.
	if cfg.Gateway.WebSocket {
		hub := ws.NewHub(gwCfg.AuthToken, logger)
		defer hub.Shutdown()
		gw = gw.
			WithEventSink(hub.Publish).
			WithHandler("/v1/events", hub.Handler())
	}

	var entry gateway.Gateway = gw
	errCh := make(chan error, 1)
	go func() {
		errCh <- entry.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := entry.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown", slog.String("error", err.Error()))
		}
		<-errCh
	}

	logger.Info("nyumba stopped")
	return nil
}
