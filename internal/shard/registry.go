// Package shard keeps the inventory of remote workers and picks the one a
// new job should run on.
package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ErrShardNotFound is returned when a shard id matches no row.
var ErrShardNotFound = errors.New("shard: not found")

// Registry reads and updates Shard rows.
type Registry struct {
	db *gorm.DB
}

// NewRegistry returns a Registry backed by db.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// ListEligible returns the shards a tenant may use that are not known to be
// unhealthy and advertise every required capability. Shards assigned to the
// tenant take precedence; without assignments the default pool is used.
// The result is ordered by shard id.
func (r *Registry) ListEligible(ctx context.Context, tenantID string, required []string) ([]models.Shard, error) {
	db := r.db.WithContext(ctx)

	var assigned []string
	if err := db.Model(&models.ShardAssignment{}).Where("tenant_id = ?", tenantID).
		Pluck("shard_id", &assigned).Error; err != nil {
		return nil, fmt.Errorf("shard: list assignments for %s: %w", tenantID, err)
	}

	q := db.Where("health_status <> ?", models.HealthUnhealthy)
	if len(assigned) > 0 {
		q = q.Where("id IN ?", assigned)
	} else {
		q = q.Where("is_default = ?", true)
	}

	var shards []models.Shard
	if err := q.Order("id ASC").Find(&shards).Error; err != nil {
		return nil, fmt.Errorf("shard: list eligible for %s: %w", tenantID, err)
	}

	eligible := shards[:0]
	for _, s := range shards {
		if s.HasCapabilities(required) {
			eligible = append(eligible, s)
		}
	}
	return eligible, nil
}

// RunningJobCount returns how many RUNNING jobs the ledger has recorded
// against the shard. It is local bookkeeping, not a live query.
func (r *Registry) RunningJobCount(ctx context.Context, shardID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("shard_id = ? AND status = ?", shardID, models.StatusRunning).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("shard: running count for %s: %w", shardID, err)
	}
	return int(n), nil
}

// Get returns one shard.
func (r *Registry) Get(ctx context.Context, id string) (*models.Shard, error) {
	var s models.Shard
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("shard: get %s: %w", id, err)
	}
	return &s, nil
}

// List returns every shard ordered by id.
func (r *Registry) List(ctx context.Context) ([]models.Shard, error) {
	var shards []models.Shard
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&shards).Error; err != nil {
		return nil, fmt.Errorf("shard: list: %w", err)
	}
	return shards, nil
}

// SetHealth records a probe result.
func (r *Registry) SetHealth(ctx context.Context, id, status string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Shard{}).Where("id = ?", id).Updates(map[string]interface{}{
		"health_status":   status,
		"last_checked_at": at,
	})
	if result.Error != nil {
		return fmt.Errorf("shard: set health %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	return nil
}
