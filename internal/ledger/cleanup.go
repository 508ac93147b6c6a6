package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// Archiver stores an expired job and its logs before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, job *models.Job, logs []models.JobLog) error
}

// Cleanup deletes terminal jobs last updated before now-olderThan together
// with their logs, and returns how many jobs were removed. When arch is
// non-nil each job is archived first; a job whose archive fails is kept for
// the next sweep.
func (l *Ledger) Cleanup(ctx context.Context, olderThan time.Duration, arch Archiver) (int, error) {
	cutoff := l.now().Add(-olderThan)

	var expired []models.Job
	err := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", models.TerminalStatuses, cutoff).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: cleanup: find expired: %w", err)
	}

	deleted := 0
	for i := range expired {
		job := &expired[i]
		if arch != nil {
			logs, err := l.Logs(ctx, job.ID)
			if err != nil {
				return deleted, fmt.Errorf("ledger: cleanup: %w", err)
			}
			if err := arch.Archive(ctx, job, logs); err != nil {
				l.log.Warn("archive failed, keeping job", "job", job.ID, "error", err)
				continue
			}
		}
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("job_id = ?", job.ID).Delete(&models.JobLog{}).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", job.ID).Delete(&models.Job{}).Error
		})
		if err != nil {
			return deleted, fmt.Errorf("ledger: cleanup: delete %s: %w", job.ID, err)
		}
		deleted++
	}

	if deleted > 0 {
		l.log.Info("ledger cleanup", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
