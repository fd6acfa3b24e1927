package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/api"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitoring"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection API and background housekeeping",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initService(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		reg := prometheus.NewRegistry()
		if err := registerMetrics(reg, env); err != nil {
			return err
		}
		svc := env.Service

		srvAPI := api.New(svc, env.Store, reg, api.Options{
			AllowOrigins:  cfg.Server.AllowOrigins,
			MaxBodyBytes:  int64(cfg.Server.MaxBodyMB) << 20,
			DefaultSite:   cfg.Site.Location,
			DefaultCamera: cfg.Site.CameraID,
			MaxWait:       cfg.Verification.WaitTimeout(),
		})

		port := resolvePort(servePort, cfg.Server.Port)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvAPI.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		var alerter *monitoring.Alerter
		if cfg.Monitoring.Enabled {
			alerter = monitoring.NewAlerter(cfg.Monitoring)
		}
		checker := monitoring.NewChecker(svc, monitoring.NewCollector(svc, env.Store), alerter,
			cfg.Monitoring, cfg.Verification.Retention())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// registerMetrics exposes runtime, verification and tracking gauges.
func registerMetrics(reg *prometheus.Registry, env *appEnv) error {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := stats.Register(reg, env.Stats); err != nil {
		return err
	}
	svc := env.Service
	if err := stats.RegisterGauge(reg, "active_tracks", "Tracks currently held by the tracker.", func() float64 {
		return float64(svc.Stats().Tracking.ActiveTracks)
	}); err != nil {
		return err
	}
	return stats.RegisterGauge(reg, "pending_jobs", "Verification jobs not yet finished.", func() float64 {
		return float64(svc.Stats().PendingJobs)
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
