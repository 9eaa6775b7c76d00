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

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run job workers, the periodic reconciler and the metrics endpoint",
	Long: `Run the provisioner service.

The job queue workers, the periodic reconciler and the HTTP endpoint
(/metrics, /health, /ready) run under one supervisor and are restarted
when they fail. Press Ctrl+C to stop.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("serve")

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(metrics.ComponentStore, metrics.ComponentJobQueue)
	metrics.UpdateComponent(metrics.ComponentStore, true, settings.Store.Driver)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := suture.New("provisioner", suture.Spec{
		EventHook:        supervisorHook(logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(a.queue)
	if settings.Reconciler.Enabled {
		sup.Add(a.reconciler)
	}
	sup.Add(&httpService{
		server: &http.Server{
			Addr:              settings.Metrics.Addr,
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: 10 * time.Second,
	})

	collector := metrics.NewCollector(a.store, 0)
	collector.Start()
	defer collector.Stop()

	logger.Info().
		Str("version", Version).
		Str("store", settings.Store.Driver).
		Str("metrics_addr", settings.Metrics.Addr).
		Bool("reconciler", settings.Reconciler.Enabled).
		Msg("Provisioner running")

	err = sup.Serve(ctx)
	logger.Info().Msg("Shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func supervisorHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		logger.Warn().Fields(e.Map()).Msg(e.String())
	}
}

// httpService serves the metrics and health endpoints under the supervisor
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-server"
}
