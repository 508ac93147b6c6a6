package shard

import (
	"context"
	"log/slog"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"golang.org/x/sync/errgroup"
)

// healthCheckParallelism caps concurrent probes during a sweep.
const healthCheckParallelism = 8

// HealthReport is the outcome of probing one shard.
type HealthReport struct {
	ShardID string
	Status  string
	Err     error
}

// CheckAll probes every registered shard and records healthy or unhealthy
// on each row. Each probe is bounded by timeout.
func CheckAll(ctx context.Context, reg *Registry, prober Prober, timeout time.Duration, log *slog.Logger) ([]HealthReport, error) {
	if log == nil {
		log = slog.Default()
	}
	shards, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]HealthReport, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckParallelism)
	for i := range shards {
		s := &shards[i]
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			res, perr := prober.Probe(pctx, s)

			status := models.HealthHealthy
			if perr != nil || !res.Healthy {
				status = models.HealthUnhealthy
			}
			reports[i] = HealthReport{ShardID: s.ID, Status: status, Err: perr}
			if status != s.HealthStatus {
				log.Info("shard health changed", "shard", s.ID, "from", s.HealthStatus, "to", status, "error", perr)
			}
			return reg.SetHealth(gctx, s.ID, status, time.Now())
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
