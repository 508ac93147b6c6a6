package models

import (
	"time"

	"gorm.io/datatypes"
)

// Shard health states.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// Shard is a remote worker that executes jobs.
type Shard struct {
	ID                string `gorm:"primaryKey;size:64"`
	Host              string `gorm:"size:255;not null"`
	Port              int
	ExecutionMode     string `gorm:"size:16;default:api"`
	Capabilities      datatypes.JSONSlice[string]
	MaxConcurrentJobs int    `gorm:"default:2"`
	HealthStatus      string `gorm:"size:16;default:unknown;index"`
	IsDefault         bool   `gorm:"default:false"`
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasCapabilities reports whether the shard advertises every tag in required.
func (s *Shard) HasCapabilities(required []string) bool {
	have := make(map[string]bool, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// ShardAssignment pins a shard to a tenant. Tenants without assignments use
// the default pool.
type ShardAssignment struct {
	ShardID  string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"primaryKey;size:64;index"`
}
