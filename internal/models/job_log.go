package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobLog is an append-only log line attached to a job.
type JobLog struct {
	ID        uint              `gorm:"primaryKey;autoIncrement"`
	JobID     string            `gorm:"size:36;index"`
	TicketKey string            `gorm:"size:64;index"`
	Level     string            `gorm:"size:8"`
	Message   string            `gorm:"type:text"`
	Context   datatypes.JSONMap
	CreatedAt time.Time
}
