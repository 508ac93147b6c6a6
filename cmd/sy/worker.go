package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/worker"
	"github.com/zulandar/switchyard/internal/workflow"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		drain      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a shard worker",
		Long: `Accepts dispatched jobs on POST /api/v1/jobs and serves GET /health for the
router's live probe. When RabbitMQ is configured the worker also consumes its
shard queue. Each job runs the workflow against the credentials in its payload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath, drain)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().DurationVar(&drain, "drain", 10*time.Minute, "how long to wait for running jobs on shutdown")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, drain time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, shutdown, err := loadConfig(ctx, configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := shutdownContext(5 * time.Second)
		defer cancel()
		shutdown(flushCtx)
	}()
	wc := cfg.Worker
	if wc.ShardID == "" {
		return fmt.Errorf("worker.shard_id is required")
	}
	log = log.With("shard", wc.ShardID)

	builder := &worker.ClientBuilder{
		Workflow:    workflow.OptionsFrom(cfg.Workflow, wc.Model),
		Model:       wc.Model,
		CodeHostURL: wc.CodeHostURL,
		Notifier:    buildNotifier(cfg.Notify, log),
		Log:         log,
	}
	w := worker.New(builder.Build, worker.Options{
		Addr:    wc.Addr,
		ShardID: wc.ShardID,
		MaxJobs: wc.MaxJobs,
	}, log)

	var conn *amqp.Connection
	if cfg.RabbitMQ.URL != "" {
		conn, err = amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer conn.Close()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Switchyard worker %s on %s (max %d jobs)\n", wc.ShardID, wc.Addr, wc.MaxJobs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Serve(gctx) })
	if conn != nil {
		g.Go(func() error { return w.ConsumeQueue(gctx, conn, cfg.RabbitMQ.Exchange, wc.Queue) })
	}
	runErr := g.Wait()

	drainCtx, cancel := shutdownContext(drain)
	defer cancel()
	log.Info("waiting for running jobs", "running", w.Running())
	if err := w.Wait(drainCtx); err != nil {
		log.Warn("shutdown before jobs finished", "error", err)
	}
	return runErr
}
