package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/monitoring"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/server"
)

const (
	shutdownTimeout   = 30 * time.Second
	keepAliveInterval = 15 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming fit-check server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := server.New(server.Config{
			MaxConcurrentRuns:   cfg.Server.MaxConcurrentRuns,
			EventBuffer:         cfg.Server.EventBuffer,
			AllowedOrigins:      cfg.Server.AllowedOrigins,
			KeepAlive:           keepAliveInterval,
			StatusLookbackHours: cfg.Monitoring.LookbackWindowHours,
		}, env.Pipeline, env.Store, env.Breakers)

		if cfg.Monitoring.WebhookURL != "" {
			retry := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
			alerter := monitoring.NewAlerter(cfg.Monitoring, monitoring.WithWebhookRetry(retry))
			checker := monitoring.NewChecker(srv.Collector(), alerter, cfg.Monitoring)
			go checker.Run(ctx)
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
