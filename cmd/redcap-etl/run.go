package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/job"
	"github.com/JonMunkholm/redcap-etl/internal/web"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled job once over the current window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			w := job.ScheduledWindow(time.Now(), a.cfg.Job.WindowAlign, a.cfg.Job.Lookback)
			return runOnce(ctx, a, job.Request{Trigger: core.TriggerScheduled, Window: w})
		},
	}
}

func pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Load selected projects and instruments on demand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, _ := cmd.Flags().GetStringSlice("project")
			instruments, _ := cmd.Flags().GetStringSlice("instrument")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")

			w, err := web.ParseWindow(since, until)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			return runOnce(ctx, a, job.Request{
				Trigger:     core.TriggerOnDemand,
				Window:      w,
				Projects:    projects,
				Instruments: instruments,
			})
		},
	}

	cmd.Flags().StringSliceP("project", "p", nil, "Project ids to load (default: all)")
	cmd.Flags().StringSliceP("instrument", "i", nil, "Instrument ids to load (default: all)")
	cmd.Flags().String("since", "", "Window begin, RFC 3339 or YYYY-MM-DD (default: open)")
	cmd.Flags().String("until", "", "Window end, RFC 3339 or YYYY-MM-DD (default: open)")

	return cmd
}

// runOnce runs one job to completion. An interrupt cancels the run; units
// already loaded stay loaded and the rest are resumed by the next run.
func runOnce(ctx context.Context, a *app, req job.Request) error {
	run, err := a.orch.Run(ctx, req)
	if err != nil {
		return err
	}
	return result(job.ExitCode(run))
}
