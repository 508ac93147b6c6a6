package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

// ErrNoEligibleShard is returned when every candidate was filtered out.
// Callers treat it as a routing failure rather than a transient error.
var ErrNoEligibleShard = errors.New("shard: no eligible shard")

// DefaultProbeTimeout bounds each live probe made while routing.
const DefaultProbeTimeout = 5 * time.Second

// Router selects the least-loaded eligible shard for a job.
type Router struct {
	reg          *Registry
	prober       Prober
	probeTimeout time.Duration
	log          *slog.Logger
}

// NewRouter returns a Router. API-mode candidates are probed with prober.
func NewRouter(reg *Registry, prober Prober, probeTimeout time.Duration, log *slog.Logger) *Router {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, prober: prober, probeTimeout: probeTimeout, log: log}
}

type candidate struct {
	shard   models.Shard
	running int
	load    float64
}

// SelectShard returns the eligible shard with the lowest running/max load.
//
// Shards at or over capacity are skipped. Session-mode shards are judged on
// ledger bookkeeping alone. API-mode shards are also probed live: a reported
// running count replaces the ledger's, and a failed probe drops the shard.
// Ties keep registry order.
func (r *Router) SelectShard(ctx context.Context, tenantID string, required []string) (*models.Shard, error) {
	shards, err := r.reg.ListEligible(ctx, tenantID, required)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, s := range shards {
		running, err := r.reg.RunningJobCount(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if running >= s.MaxConcurrentJobs {
			continue
		}

		if s.ExecutionMode != config.ModeSession && r.prober != nil {
			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			res, err := r.prober.Probe(pctx, &s)
			cancel()
			if err != nil || !res.Healthy {
				r.log.Warn("shard probe failed, skipping", "shard", s.ID, "error", err)
				continue
			}
			if res.HasCount {
				running = res.RunningJobs
				if running >= s.MaxConcurrentJobs {
					continue
				}
			}
		}

		candidates = append(candidates, candidate{shard: s, running: running, load: loadOf(running, s.MaxConcurrentJobs)})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for tenant %s (capabilities %v)", ErrNoEligibleShard, tenantID, required)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].load < candidates[j].load
	})
	best := candidates[0]
	r.log.Debug("shard selected", "shard", best.shard.ID, "running", best.running, "load", best.load)
	return &best.shard, nil
}

// loadOf returns running/max, treating a non-positive max as full.
func loadOf(running, max int) float64 {
	if max <= 0 {
		return 1
	}
	return float64(running) / float64(max)
}
