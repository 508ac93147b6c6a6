// Package maintenance runs the periodic ledger cleanup and shard health
// sweeps on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/shard"
)

// cronParser uses standard 5-field expressions plus descriptors like @every.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Defaults used when Options leaves a field zero.
const (
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultHealthInterval  = time.Minute
	DefaultProbeTimeout    = 5 * time.Second
)

// Options configure the sweeps. A negative HealthInterval disables the
// health sweep.
type Options struct {
	CleanupSchedule string
	Retention       time.Duration
	HealthInterval  time.Duration
	ProbeTimeout    time.Duration
}

// Scheduler owns the cron runner for both sweeps.
type Scheduler struct {
	ledger   *ledger.Ledger
	registry *shard.Registry
	prober   shard.Prober
	archiver ledger.Archiver
	opts     Options
	log      *slog.Logger
	cron     *cron.Cron
}

// New validates the schedules and registers the sweeps. archiver may be nil.
func New(l *ledger.Ledger, reg *shard.Registry, prober shard.Prober, archiver ledger.Archiver, opts Options, log *slog.Logger) (*Scheduler, error) {
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = DefaultCleanupSchedule
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	if _, err := cronParser.Parse(opts.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("maintenance: cleanup schedule %q: %w", opts.CleanupSchedule, err)
	}
	s := &Scheduler{
		ledger:   l,
		registry: reg,
		prober:   prober,
		archiver: archiver,
		opts:     opts,
		log:      log,
	}
	cl := cronLogger{log: log}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// Run schedules the sweeps and blocks until ctx is cancelled, then waits
// for any sweep in progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.CleanupSchedule, func() { s.runCleanup(ctx) }); err != nil {
		return fmt.Errorf("maintenance: cleanup schedule %q: %w", s.opts.CleanupSchedule, err)
	}
	if s.opts.HealthInterval > 0 && s.prober != nil {
		spec := "@every " + s.opts.HealthInterval.String()
		if _, err := s.cron.AddFunc(spec, func() { s.runHealth(ctx) }); err != nil {
			return fmt.Errorf("maintenance: health schedule %q: %w", spec, err)
		}
	}

	s.log.Info("maintenance scheduler started",
		"cleanup", s.opts.CleanupSchedule, "retention", s.opts.Retention, "health_interval", s.opts.HealthInterval)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("maintenance scheduler stopped")
	return nil
}

// Cleanup deletes terminal jobs older than the retention window, archiving
// them first when an archiver is configured.
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	return s.ledger.Cleanup(ctx, s.opts.Retention, s.archiver)
}

// CheckHealth probes every shard once and records the results.
func (s *Scheduler) CheckHealth(ctx context.Context) ([]shard.HealthReport, error) {
	return shard.CheckAll(ctx, s.registry, s.prober, s.opts.ProbeTimeout, s.log)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	n, err := s.Cleanup(ctx)
	if err != nil {
		s.log.Error("ledger cleanup failed", "deleted", n, "error", err)
	}
}

func (s *Scheduler) runHealth(ctx context.Context) {
	reports, err := s.CheckHealth(ctx)
	if err != nil {
		s.log.Error("shard health sweep failed", "error", err)
		return
	}
	unhealthy := 0
	for _, r := range reports {
		if r.Status == models.HealthUnhealthy {
			unhealthy++
		}
	}
	s.log.Debug("shard health sweep", "shards", len(reports), "unhealthy", unhealthy)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
