// Package ledger is the durable record of job state. Every status change goes
// through a named transition; the ledger is the only writer of Job rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a job lookup matches no row.
	ErrNotFound = errors.New("ledger: job not found")
	// ErrActiveJobExists is returned by Create when the ticket already has a
	// job in an active status.
	ErrActiveJobExists = errors.New("ledger: active job exists")
	// ErrInvalidTransition is returned when a transition is not permitted
	// from the job's current status.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
)

// ActiveJobError reports the job that holds a ticket's active claim.
type ActiveJobError struct {
	JobID  string
	Status string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("ledger: job %s is already running for this ticket (%s)", e.JobID, e.Status)
}

func (e *ActiveJobError) Unwrap() error { return ErrActiveJobExists }

// Ledger reads and transitions Job rows.
type Ledger struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// New returns a Ledger backed by db. A nil logger uses slog.Default.
func New(db *gorm.DB, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{db: db, log: log, now: time.Now}
}

// NewJob holds the parameters for Create.
type NewJob struct {
	TenantID  string
	TicketKey string
	BoardRef  string
	RepoRef   string
	ShardID   string
	// BranchName carries a branch found by affinity lookup so it survives
	// into the new run.
	BranchName string
	// RunCount defaults to 1.
	RunCount int
}

// Create inserts a PENDING job and claims the ticket's active slot in the
// same statement. If another active job already holds the slot, an
// *ActiveJobError naming it is returned.
func (l *Ledger) Create(ctx context.Context, nj NewJob) (string, error) {
	if nj.TenantID == "" || nj.TicketKey == "" {
		return "", fmt.Errorf("ledger: create: tenant and ticket key are required")
	}
	if nj.RunCount <= 0 {
		nj.RunCount = 1
	}
	key := models.ActiveKeyFor(nj.TenantID, nj.TicketKey)
	now := l.now()
	job := models.Job{
		ID:             uuid.NewString(),
		TenantID:       nj.TenantID,
		TicketKey:      nj.TicketKey,
		ActiveKey:      &key,
		BoardRef:       nj.BoardRef,
		RepoRef:        nj.RepoRef,
		ShardID:        nj.ShardID,
		Status:         models.StatusPending,
		BranchName:     nj.BranchName,
		RunCount:       nj.RunCount,
		StepsCompleted: []models.StepRecord{},
		StartedAt:      now,
	}

	if err := l.db.WithContext(ctx).Create(&job).Error; err != nil {
		if isUniqueViolation(err) {
			if existing, ferr := l.FindActive(ctx, nj.TenantID, nj.TicketKey); ferr == nil {
				return "", &ActiveJobError{JobID: existing.ID, Status: existing.Status}
			}
			return "", ErrActiveJobExists
		}
		return "", fmt.Errorf("ledger: create job for %s: %w", nj.TicketKey, err)
	}
	l.log.Info("job created", "job", job.ID, "tenant", nj.TenantID, "ticket", nj.TicketKey)
	return job.ID, nil
}

// Get returns the job with the given id.
func (l *Ledger) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := l.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", jobID, err)
	}
	return &job, nil
}

// FindActive returns the ticket's job in PENDING, RUNNING or
// WAITING_CLARIFICATION, or ErrNotFound.
func (l *Ledger) FindActive(ctx context.Context, tenantID, ticketKey string) (*models.Job, error) {
	var job models.Job
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_key = ? AND status IN ?", tenantID, ticketKey, models.ActiveStatuses).
		Order("updated_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find active %s: %w", ticketKey, err)
	}
	return &job, nil
}

// FindLatest returns the ticket's most recently updated job in any status,
// or ErrNotFound.
func (l *Ledger) FindLatest(ctx context.Context, tenantID, ticketKey string) (*models.Job, error) {
	var job models.Job
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_key = ?", tenantID, ticketKey).
		Order("updated_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find latest %s: %w", ticketKey, err)
	}
	return &job, nil
}

// FindLatestBranch scans every job for the ticket regardless of status,
// newest first, and returns the first non-empty branch name. An empty string
// means the ticket has never had a branch.
func (l *Ledger) FindLatestBranch(ctx context.Context, tenantID, ticketKey string) (string, error) {
	var jobs []models.Job
	err := l.db.WithContext(ctx).
		Select("id", "branch_name", "updated_at").
		Where("tenant_id = ? AND ticket_key = ?", tenantID, ticketKey).
		Order("updated_at DESC").
		Find(&jobs).Error
	if err != nil {
		return "", fmt.Errorf("ledger: find latest branch %s: %w", ticketKey, err)
	}
	for _, j := range jobs {
		if j.BranchName != "" {
			return j.BranchName, nil
		}
	}
	return "", nil
}

// CountRunning returns how many of the tenant's jobs are RUNNING.
func (l *Ledger) CountRunning(ctx context.Context, tenantID string) (int, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Job{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.StatusRunning).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count running for %s: %w", tenantID, err)
	}
	return int(n), nil
}

// ListFilter narrows List. Zero fields are ignored.
type ListFilter struct {
	TenantID  string
	TicketKey string
	Status    string
	Limit     int
}

// List returns jobs matching f, newest first.
func (l *Ledger) List(ctx context.Context, f ListFilter) ([]models.Job, error) {
	q := l.db.WithContext(ctx).Model(&models.Job{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.TicketKey != "" {
		q = q.Where("ticket_key = ?", f.TicketKey)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	if err := q.Order("updated_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return jobs, nil
}

// isUniqueViolation matches the translated gorm error and the raw driver
// messages for connections opened without TranslateError.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
