package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/stestagg/risky-proxmox-agent/internal/config"
	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
	"github.com/stestagg/risky-proxmox-agent/internal/ratelimit"
	"github.com/stestagg/risky-proxmox-agent/internal/server"
	"github.com/stestagg/risky-proxmox-agent/internal/watchdog"
)

func serveCmd() *cobra.Command {
	var (
		bind     string
		port     int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control agent's HTTP request surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				if err := cfg.LoadFromFile(configFile); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			cfg.LoadFromEnv()

			if cmd.Flags().Changed("bind") {
				cfg.Daemon.Bind = bind
			}
			if cmd.Flags().Changed("port") {
				cfg.Daemon.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			if cfg.Proxmox.Host == "" || cfg.Proxmox.TokenID == "" || cfg.Proxmox.TokenSecret == "" {
				return fmt.Errorf("PVE_HOST, PVE_TOKEN_ID and PVE_TOKEN_SECRET must all be set")
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			if cfg.RemoteLog.UploadURL != "" {
				remoteLog := logging.NewRemoteLogHandle(logging.RemoteLogConfig{
					UploadURL:           cfg.RemoteLog.UploadURL,
					AuthorizationSecret: cfg.RemoteLog.AuthorizationSecret,
					MaxPendingBytes:     cfg.RemoteLog.MaxPendingBytes,
					MaxUploadBytes:      cfg.RemoteLog.MaxUploadBytes,
					UploadDelay:         cfg.RemoteLog.UploadDelay,
				})
				go remoteLog.Start(ctx)
				logging.Op().Info("remote log forwarding enabled", "upload_url", cfg.RemoteLog.UploadURL)
			}

			client := proxmox.New(cfg.Proxmox.Host, cfg.Proxmox.TokenID, cfg.Proxmox.TokenSecret, cfg.Proxmox.InsecureSSL)

			var limiter *ratelimit.Limiter
			if cfg.RateLimit.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
				limiter = ratelimit.New(rdb, nil, ratelimit.TierConfig{
					RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
					BurstSize:         cfg.RateLimit.BurstSize,
				})
				logging.Op().Info("rate limiter configured", "redis_addr", cfg.RateLimit.RedisAddr)
			}

			srv := server.New(client)
			handler := server.Router(srv, server.Config{RateLimiter: limiter})

			if cfg.Proxmox.FallbackVM != "" {
				go watchdog.Run(ctx, client, cfg.Proxmox.FallbackVM)
			}

			go markReadyOnFirstFetch(ctx, client, srv)

			addr := fmt.Sprintf("%s:%d", cfg.Daemon.Bind, cfg.Daemon.Port)
			httpServer := &http.Server{Addr: addr, Handler: handler}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("risky-proxmox-agent started", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				cancel()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("http server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "0.0.0.0", "Address to bind the HTTP request surface to")
	cmd.Flags().IntVar(&port, "port", 8080, "Port to bind the HTTP request surface to")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// markReadyOnFirstFetch flips the readiness probe healthy after the
// first successful VM inventory fetch, retrying every 5s until then or
// until ctx is cancelled.
func markReadyOnFirstFetch(ctx context.Context, client *proxmox.Client, srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := client.ListVMs(ctx); err == nil {
			srv.MarkReady()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
