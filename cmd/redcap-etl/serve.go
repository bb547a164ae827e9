package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/redcap-etl/internal/job"
	"github.com/JonMunkholm/redcap-etl/internal/web"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			noSchedule, _ := cmd.Flags().GetBool("no-schedule")
			return serve(a, !noSchedule)
		},
	}

	cmd.Flags().Bool("no-schedule", false, "Serve the API without running scheduled jobs")

	return cmd
}

func serve(a *app, schedule bool) error {
	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	server := web.NewServer(jobCtx, a.orch, a.cfg.Server, web.Options{
		Metrics: a.metrics.Handler(),
		Ping:    a.pool.Ping,
	})

	if schedule {
		go job.NewScheduler(a.orch, a.cfg.Job).Start(jobCtx)
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop the scheduler and cancel the active run
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for running units to wind down (with timeout)
		status := a.orch.Limiter().Status()
		if status.Active > 0 {
			slog.Info("waiting for units to finish", "active", status.Active)
			if err := a.orch.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("units did not finish in time", "error", err)
			} else {
				slog.Info("all units finished")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", a.cfg.Server.Addr(), "schedule", schedule)
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	slog.Info("server stopped")
	return nil
}
