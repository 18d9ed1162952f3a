package main

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"vaultkeep/internal/repo"
)

// newServeCmd runs a long-lived process that opens the repository once
// and calls Vacuum on a cron schedule, closing it cleanly on SIGINT. The
// repository itself spawns no goroutines (spec.md §5); any periodic
// behavior lives entirely in this CLI layer.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run vacuum on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			cronExpr, _ := cmd.Flags().GetString("cron")
			ratio, _ := cmd.Flags().GetFloat64("ratio")
			combine, _ := cmd.Flags().GetBool("combine")

			ctx, cancel := rootContext()
			defer cancel()

			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			scheduler, err := gocron.NewScheduler()
			if err != nil {
				return fmt.Errorf("create vacuum scheduler: %w", err)
			}

			_, err = scheduler.NewJob(
				gocron.CronJob(cronExpr, false),
				gocron.NewTask(func() {
					report, err := r.Vacuum(ctx, ratio, combine, true)
					if err != nil {
						logger.Error("scheduled vacuum failed", "error", err)
						return
					}
					logger.Info("scheduled vacuum complete",
						"bundles", len(report.Bundles),
						"reclaimable_bytes", report.Reclaimable)
				}),
				gocron.WithName("vacuum"),
			)
			if err != nil {
				return fmt.Errorf("schedule vacuum job: %w", err)
			}

			scheduler.Start()
			logger.Info("vaultd serve started", "repo", path, "cron", cronExpr)

			<-ctx.Done()
			logger.Info("shutting down")
			return scheduler.Shutdown()
		},
	}
	cmd.Flags().String("cron", "0 3 * * *", "cron schedule for vacuum runs")
	cmd.Flags().Float64("ratio", 0.5, "rewrite bundles whose usage ratio is at or below this value")
	cmd.Flags().Bool("combine", false, "also combine small bundles of the same mode")
	return cmd
}
