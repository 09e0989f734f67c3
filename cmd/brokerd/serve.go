package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/novabroker/broker/internal/broker"
	"github.com/novabroker/broker/internal/config"
	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/observability"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		port        int
		adminAddr   string
		authToken   string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker's TCP listener and admin HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := config.DefaultOptions()
			if configFile != "" {
				var err error
				opts, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(opts)

			if cmd.Flags().Changed("port") {
				opts.Listener.Port = port
			}
			if cmd.Flags().Changed("token") {
				opts.Auth.Token = authToken
				opts.Auth.Enabled = true
			}
			if cmd.Flags().Changed("log-level") {
				opts.Observability.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				opts.Observability.LogFormat = logFormat
			}

			logging.SetLevelFromString(opts.Observability.LogLevel)
			logging.InitStructured(opts.Observability.LogFormat, opts.Observability.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     opts.Observability.TracingEnabled,
				Exporter:    opts.Observability.TracingExporter,
				Endpoint:    opts.Observability.TracingEndpoint,
				ServiceName: "novabroker",
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus(opts.Observability.MetricsNamespace, nil)

			srv := broker.NewServer(opts)

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.PrometheusHandler())
			mux.Handle("/status", srv.Metrics().JSONHandler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if !srv.Metrics().Healthy() {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			adminServer := &http.Server{Addr: adminAddr, Handler: mux}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 2)
			go func() {
				logging.Op().Info("admin endpoint listening", "addr", adminAddr)
				if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("admin server: %w", err)
				}
			}()
			go func() {
				errCh <- srv.Run(ctx)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case err := <-errCh:
				if err != nil {
					logging.Op().Error("server exited", "error", err)
				}
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = adminServer.Shutdown(shutdownCtx)

			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "TCP listener port")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", ":9090", "Admin HTTP endpoint address (metrics/status/healthz)")
	cmd.Flags().StringVar(&authToken, "token", "", "Opaque auth token required of connecting clients")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	return cmd
}
