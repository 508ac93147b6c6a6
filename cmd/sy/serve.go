package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/api"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/maintenance"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher API and maintenance scheduler",
		Long: `Serves the trigger, retry, resume and status API, accepts worker callbacks,
and runs the ledger cleanup and shard health sweeps. Edits to the config file
re-seed shards and reload tenants without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, !noWatch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.CheckCallbacks(); err != nil {
		return err
	}
	if err := db.AutoMigrate(a.db); err != nil {
		return err
	}
	if err := db.SeedShards(a.db, a.cfg.Shards, a.cfg.Tenants); err != nil {
		return err
	}

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	arch, err := a.archiver(ctx)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	sched, err := maintenance.New(a.ledger, a.registry, a.prober(), arch, maintenance.Options{
		CleanupSchedule: a.cfg.Ledger.CleanupCron,
		Retention:       a.cfg.Retention(),
		HealthInterval:  time.Duration(a.cfg.Health.IntervalSec) * time.Second,
		ProbeTimeout:    time.Duration(a.cfg.Health.TimeoutSec) * time.Second,
	}, a.log)
	if err != nil {
		return err
	}
	srv := api.New(api.Deps{
		Dispatcher: d,
		Ledger:     a.ledger,
		Registry:   a.registry,
		Signer:     a.signer(),
		Log:        a.log,
	}, api.Options{
		Addr:        a.cfg.Server.Addr,
		APIToken:    a.cfg.Server.APIToken,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Switchyard dispatcher on %s (%d tenants, %d shards)\n",
		a.cfg.Server.Addr, len(a.cfg.Tenants), len(a.cfg.Shards))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if watch {
		g.Go(func() error {
			return config.Watch(gctx, configPath, a.log, func(cfg *config.Config) {
				if err := db.SeedShards(a.db, cfg.Shards, cfg.Tenants); err != nil {
					a.log.Error("config reload: seed shards failed", "error", err)
					return
				}
				a.tenants.Replace(cfg.Tenants)
				a.log.Info("config reloaded", "tenants", len(cfg.Tenants), "shards", len(cfg.Shards))
			})
		})
	}
	return g.Wait()
}

// shutdownContext bounds how long a command waits for in-flight work after
// a stop signal.
func shutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
