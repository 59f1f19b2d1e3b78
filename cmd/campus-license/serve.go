package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/campus-license/internal/config"
	"github.com/rcourtman/campus-license/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var metricsShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the expiry sweep on a schedule and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, runServe)
		},
	}
}

// runServe blocks until ctx is cancelled or a component fails.
func runServe(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return serveMetrics(ctx, ln) })
	}

	watcher, err := config.NewWatcher(a.cfg, func(t config.Tunables) {
		a.manager.SetExpiringSoonWindow(t.ExpiringSoonWindow())
		a.manager.SetAdminRecipients(t.AdminEmails)
		logging.SetLevel(t.LogLevel)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, tunables will not hot-reload")
	} else {
		watcher.Start()
		defer watcher.Stop()
		g.Go(func() error {
			reloadLoop(ctx, watcher)
			return nil
		})
	}

	g.Go(func() error { return sweepLoop(ctx, a) })

	log.Info().
		Str("mode", string(a.manager.Mode())).
		Dur("sweep_interval", a.cfg.SweepInterval).
		Msg("License engine running")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Metrics endpoint listening")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// sweepLoop sweeps once at startup and then on every tick. A failed sweep
// is logged and retried on the next tick.
func sweepLoop(ctx context.Context, a *app) error {
	sweep := func() {
		ctx, _ := logging.WithRequestID(ctx, "")
		report, err := a.manager.CheckLicenses(ctx)
		if err != nil {
			log.Error().Err(err).Msg("License sweep failed")
			return
		}
		log.Info().
			Int("checked", report.TotalChecked).
			Int("expired", report.Expired).
			Int("failed", report.Failed).
			Msg("License sweep complete")
	}

	sweep()
	ticker := a.clock.NewTicker(a.cfg.SweepInterval, "sweep")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

func reloadLoop(ctx context.Context, w *config.Watcher) {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			w.Reload()
		}
	}
}
