package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/maintenance"
)

func newCleanupCmd() *cobra.Command {
	var (
		configPath string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal jobs past the retention window",
		Long: `Runs the ledger cleanup sweep once. Expired jobs are archived to MinIO first
when it is configured; a job whose archive fails is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, configPath, days)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: ledger.retention_days)")
	return cmd
}

func runCleanup(cmd *cobra.Command, configPath string, days int) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	retention := a.cfg.Retention()
	if days > 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}
	arch, err := a.archiver(ctx)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	sched, err := maintenance.New(a.ledger, a.registry, nil, arch, maintenance.Options{
		CleanupSchedule: a.cfg.Ledger.CleanupCron,
		Retention:       retention,
	}, a.log)
	if err != nil {
		return err
	}
	n, err := sched.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs older than %s\n", n, retention)
	return nil
}
