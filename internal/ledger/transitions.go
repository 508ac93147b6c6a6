package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ValidTransitions maps each status to the statuses a job may move to.
// Self-transitions keep repeated identical calls idempotent.
var ValidTransitions = map[string][]string{
	models.StatusPending: {models.StatusRunning, models.StatusFailed, models.StatusCancelled},
	models.StatusRunning: {
		models.StatusRunning, models.StatusWaitingClarification, models.StatusPRCreated,
		models.StatusComplete, models.StatusFailed, models.StatusCancelled,
	},
	models.StatusWaitingClarification: {
		models.StatusWaitingClarification, models.StatusRunning,
		models.StatusFailed, models.StatusCancelled,
	},
	models.StatusPRCreated: {models.StatusPRCreated, models.StatusComplete},
	models.StatusComplete:  {models.StatusComplete},
	models.StatusFailed:    {models.StatusFailed},
	models.StatusCancelled: {models.StatusCancelled},
}

func isValidTransition(from, to string) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition loads the job under a row lock, validates from→to, applies
// mutate and saves. Reaching a terminal status releases the active claim.
func (l *Ledger) transition(ctx context.Context, jobID, to string, mutate func(*models.Job) error) (*models.Job, error) {
	var job models.Job
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("ledger: load %s: %w", jobID, err)
		}
		if !isValidTransition(job.Status, to) {
			return fmt.Errorf("%w: %s from %q to %q", ErrInvalidTransition, jobID, job.Status, to)
		}
		if mutate != nil {
			if err := mutate(&job); err != nil {
				return err
			}
		}
		job.Status = to
		if models.IsTerminal(to) {
			job.ActiveKey = nil
		}
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("ledger: save %s: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Advance records a completed step and moves the job to status, RUNNING when
// status is empty. Progress never decreases. Repeating the latest step is a
// no-op for the history. A missing job is logged and ignored so stale
// callbacks arriving after cleanup do not fail the caller.
func (l *Ledger) Advance(ctx context.Context, jobID, step string, progress int, status string) error {
	if status == "" {
		status = models.StatusRunning
	}
	progress = clampProgress(progress)
	_, err := l.transition(ctx, jobID, status, func(j *models.Job) error {
		if n := len(j.StepsCompleted); n == 0 || j.StepsCompleted[n-1].Step != step || j.StepsCompleted[n-1].Progress != progress {
			j.StepsCompleted = append(j.StepsCompleted, models.StepRecord{Step: step, Progress: progress, Timestamp: l.now()})
		}
		j.CurrentStep = step
		if progress > j.ProgressPercent {
			j.ProgressPercent = progress
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		l.log.Warn("advance on unknown job ignored", "job", jobID, "step", step)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: advance: %w", err)
	}
	return nil
}

// SuspendForClarification parks the job in WAITING_CLARIFICATION with the
// anchor comment and questions. Progress is unchanged.
func (l *Ledger) SuspendForClarification(ctx context.Context, jobID, anchorID string, questions []string) error {
	_, err := l.transition(ctx, jobID, models.StatusWaitingClarification, func(j *models.Job) error {
		j.ClarificationAnchorID = anchorID
		j.ClarificationQuestions = append([]string(nil), questions...)
		j.CurrentStep = "Waiting for clarification"
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: suspend: %w", err)
	}
	l.log.Info("job waiting for clarification", "job", jobID, "anchor", anchorID, "questions", len(questions))
	return nil
}

// Publication carries the code-host fields recorded by MarkPublished and
// Complete. Zero fields leave the stored values alone.
type Publication struct {
	PullRequestURL    string
	PullRequestNumber int
	BranchName        string
}

func (p Publication) apply(j *models.Job) {
	if p.PullRequestURL != "" {
		j.PullRequestURL = p.PullRequestURL
	}
	if p.PullRequestNumber != 0 {
		j.PullRequestNumber = p.PullRequestNumber
	}
	if p.BranchName != "" {
		j.BranchName = p.BranchName
	}
}

// MarkPublished moves the job to PR_CREATED at 90%.
func (l *Ledger) MarkPublished(ctx context.Context, jobID string, p Publication) error {
	_, err := l.transition(ctx, jobID, models.StatusPRCreated, func(j *models.Job) error {
		p.apply(j)
		if j.ProgressPercent < 90 {
			j.ProgressPercent = 90
		}
		j.CurrentStep = "Pull request created"
		if j.PublishedAt == nil {
			now := l.now()
			j.PublishedAt = &now
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: mark published: %w", err)
	}
	return nil
}

// Complete moves the job to COMPLETE at 100%. Calling it again with the same
// arguments leaves the job unchanged in meaning.
func (l *Ledger) Complete(ctx context.Context, jobID string, p Publication) error {
	_, err := l.transition(ctx, jobID, models.StatusComplete, func(j *models.Job) error {
		p.apply(j)
		j.ProgressPercent = 100
		j.CurrentStep = "Complete"
		now := l.now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	return nil
}

// Fail moves the job to FAILED and records msg.
func (l *Ledger) Fail(ctx context.Context, jobID, msg string) error {
	_, err := l.transition(ctx, jobID, models.StatusFailed, func(j *models.Job) error {
		j.ErrorMessage = msg
		now := l.now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: fail: %w", err)
	}
	l.log.Warn("job failed", "job", jobID, "error", msg)
	return nil
}

// Cancel moves the job to CANCELLED and records reason. It does not stop a
// worker that is already executing the job.
func (l *Ledger) Cancel(ctx context.Context, jobID, reason string) error {
	_, err := l.transition(ctx, jobID, models.StatusCancelled, func(j *models.Job) error {
		j.ErrorMessage = reason
		now := l.now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: cancel: %w", err)
	}
	l.log.Info("job cancelled", "job", jobID, "reason", reason)
	return nil
}

// Resume moves a WAITING_CLARIFICATION job back to RUNNING on shardID and
// bumps its run count.
func (l *Ledger) Resume(ctx context.Context, jobID, shardID string) (*models.Job, error) {
	job, err := l.transition(ctx, jobID, models.StatusRunning, func(j *models.Job) error {
		if j.Status != models.StatusWaitingClarification {
			return fmt.Errorf("%w: %s is %s, not waiting for clarification", ErrInvalidTransition, jobID, j.Status)
		}
		j.RunCount++
		j.ShardID = shardID
		j.CurrentStep = "Resuming with clarification"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: resume: %w", err)
	}
	return job, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
