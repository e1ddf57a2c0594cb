// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/config"
	"github.com/keystead/keystead/internal/logging"
	"github.com/keystead/keystead/internal/observability"
	"github.com/keystead/keystead/internal/store"
	"github.com/keystead/keystead/internal/web"
)

const (
	serviceName      = "keystead"
	shutdownTimeout  = 5 * time.Second
	readinessTimeout = 2 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the account API",
		Long: `Serve the JSON account API together with the metrics and health
listener, the expired token sweeper and audit retention.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the server until a signal arrives, ctx is
// cancelled or a listener fails. If deps is nil, default implementations
// are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()

	if err := logging.SetDefault(serviceName, version, logging.Options{
		Format: cfg.Log.Format,
		Level:  cfg.Log.Level,
	}); err != nil {
		return oops.With("operation", "set up logging").Wrap(err)
	}
	logger := slog.Default()

	pool, err := deps.PoolOpener(ctx, store.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer ObservabilityServer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, store.ReadinessCheck(pool, readinessTimeout))
		metrics = obsServer.Metrics()
	}
	opts := []auth.Option{auth.WithLogger(logger), auth.WithMetrics(metrics)}

	auditWriter := audit.NewPostgresWriter(pool)
	auditLogger := audit.NewLogger(audit.ModeAll, auditWriter, "")
	defer func() {
		if closeErr := auditLogger.Close(); closeErr != nil {
			logger.Warn("error closing audit logger", "error", closeErr)
		}
	}()
	if err := auditLogger.ReplayWAL(ctx); err != nil {
		logger.Warn("audit WAL replay failed", "error", err)
	}

	mailer, err := deps.MailerFactory(cfg.SMTP, logger)
	if err != nil {
		return oops.With("operation", "create mailer").Wrap(err)
	}
	bots, err := deps.BotDetectorFactory(cfg.Recaptcha, logger)
	if err != nil {
		return oops.With("operation", "create bot detector").Wrap(err)
	}
	tokens, err := newTokenIssuers(pool, opts...)
	if err != nil {
		return err
	}
	svc, err := newService(pool, serviceParts{
		cfg:    cfg,
		mailer: mailer,
		bots:   bots,
		audit:  auditLogger,
		tokens: tokens,
		opts:   opts,
	}, logger)
	if err != nil {
		return oops.With("operation", "create account service").Wrap(err)
	}

	sessionKey, err := cfg.HTTP.SessionKeyBytes()
	if err != nil {
		return err
	}
	cookies, err := web.NewCookieCodec(sessionKey, cfg.HTTP.CookieSecure)
	if err != nil {
		return err
	}
	apiServer, err := web.NewServer(web.Config{
		Addr:       cfg.HTTP.Addr,
		Service:    svc,
		Activity:   auditWriter,
		Cookies:    cookies,
		Metrics:    metrics,
		Logger:     logger,
		TrustProxy: cfg.HTTP.TrustProxy,
	})
	if err != nil {
		return err
	}

	sweeper, err := auth.NewSweeper(tokens.otp, tokens.resets, cfg.Sweep.Interval, opts...)
	if err != nil {
		return err
	}
	retention := audit.NewRetentionWorker(retentionConfig(cfg.Audit), auditWriter)

	apiErrChan, err := apiServer.Start()
	if err != nil {
		return oops.Code("API_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrChan, "api")

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if stopErr := apiServer.Stop(stopCtx); stopErr != nil {
				logger.Warn("failed to stop api server during cleanup", "error", stopErr)
			}
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	sweeper.Start(ctx)
	retention.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Printf("Keystead listening on %s\n", apiServer.Addr())
	logger.Info("keystead ready",
		"api_addr", apiServer.Addr(),
		"sweep_interval", cfg.Sweep.Interval,
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")
	cancel()
	sweeper.Stop()
	retention.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping api server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when a server reports a failure.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
