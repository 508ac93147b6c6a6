package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Log levels stored on JobLog rows.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// AppendLog attaches a log line to a job. The ticket key is copied from the
// job so logs stay queryable per ticket.
func (l *Ledger) AppendLog(ctx context.Context, jobID, level, msg string, fields map[string]any) error {
	var job models.Job
	err := l.db.WithContext(ctx).Select("id", "ticket_key").Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: append log to %s: %w", jobID, err)
	}
	entry := models.JobLog{
		JobID:     jobID,
		TicketKey: job.TicketKey,
		Level:     level,
		Message:   msg,
		Context:   datatypes.JSONMap(fields),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("ledger: append log to %s: %w", jobID, err)
	}
	return nil
}

// Logs returns a job's log lines in insertion order.
func (l *Ledger) Logs(ctx context.Context, jobID string) ([]models.JobLog, error) {
	var logs []models.JobLog
	if err := l.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("ledger: logs for %s: %w", jobID, err)
	}
	return logs, nil
}

// TicketLogs returns every log line recorded for a ticket key across all of
// its jobs, in insertion order.
func (l *Ledger) TicketLogs(ctx context.Context, ticketKey string) ([]models.JobLog, error) {
	var logs []models.JobLog
	if err := l.db.WithContext(ctx).Where("ticket_key = ?", ticketKey).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("ledger: logs for ticket %s: %w", ticketKey, err)
	}
	return logs, nil
}
