package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emirkrhan/fable/pkg/server"
	"github.com/emirkrhan/fable/pkg/storage"
)

const badgerGCInterval = 5 * time.Minute

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference board API server",
		Long:  "Start the board API over local storage, with Prometheus metrics at /metrics",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Bind address (127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)")
	serveCmd.Flags().Int("port", 0, "HTTP API port")
	serveCmd.Flags().String("token", "", "Require this bearer token on /api routes")
	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Server.Address = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Server.AuthToken = v
	}

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.WithField("config", cfg.String()).Info("starting fable server")

	kv, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	srvCfg := server.DefaultConfig()
	srvCfg.Address = cfg.Server.Address
	srvCfg.Port = cfg.Server.Port
	srvCfg.MaxRequestSize = cfg.Server.MaxBodyBytes
	srvCfg.AuthToken = cfg.Server.AuthToken
	srvCfg.EnableCORS = cfg.Server.CORSEnabled
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srvCfg.RateLimitPerMinute = cfg.Server.RateLimitPerMinute
	srvCfg.RateLimitEnabled = cfg.Server.RateLimitPerMinute > 0

	srv, err := server.New(kv, srvCfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(srv.Collectors()...)
	srv.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Board API listening on http://%s\n", srv.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping HTTP server: %w", err)
		}
		return nil
	})
	if be, ok := kv.(*storage.BadgerEngine); ok && !be.IsInMemory() {
		g.Go(func() error {
			ticker := time.NewTicker(badgerGCInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := be.RunGC(); err != nil {
						logger.WithError(err).Warn("badger value log GC failed")
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}
