package db

import (
	"fmt"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model managed by Switchyard.
func AllModels() []interface{} {
	return []interface{}{
		&models.Job{},
		&models.JobLog{},
		&models.Shard{},
		&models.ShardAssignment{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedShards upserts Shard rows from configuration and replaces each
// configured tenant's shard assignments. Health status is left untouched so
// a config reload does not reset probe results.
func SeedShards(db *gorm.DB, shards []config.ShardConfig, tenants []config.TenantConfig) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, sc := range shards {
			shard := models.Shard{
				ID:                sc.ID,
				Host:              sc.Host,
				Port:              sc.Port,
				ExecutionMode:     sc.Mode,
				Capabilities:      sc.Capabilities,
				MaxConcurrentJobs: sc.MaxConcurrentJobs,
				HealthStatus:      models.HealthUnknown,
				IsDefault:         sc.Default,
			}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"host", "port", "execution_mode", "capabilities", "max_concurrent_jobs", "is_default", "updated_at"}),
			}).Create(&shard)
			if result.Error != nil {
				return fmt.Errorf("db: seed shard %q: %w", sc.ID, result.Error)
			}
		}

		for _, tc := range tenants {
			if err := tx.Where("tenant_id = ?", tc.ID).Delete(&models.ShardAssignment{}).Error; err != nil {
				return fmt.Errorf("db: clear assignments for tenant %q: %w", tc.ID, err)
			}
			for _, shardID := range tc.Shards {
				a := models.ShardAssignment{ShardID: shardID, TenantID: tc.ID}
				if err := tx.Create(&a).Error; err != nil {
					return fmt.Errorf("db: assign shard %q to tenant %q: %w", shardID, tc.ID, err)
				}
			}
		}
		return nil
	})
}
