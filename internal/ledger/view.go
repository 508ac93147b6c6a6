package ledger

import (
	"time"

	"github.com/zulandar/switchyard/internal/models"
)

// StatusView is the read model returned to callers polling a job.
type StatusView struct {
	JobID                  string              `json:"job_id"`
	TenantID               string              `json:"tenant_id"`
	TicketKey              string              `json:"ticket_key"`
	ShardID                string              `json:"shard_id,omitempty"`
	Status                 string              `json:"status"`
	Progress               int                 `json:"progress"`
	CurrentStep            string              `json:"current_step"`
	StepsCompleted         []models.StepRecord `json:"steps_completed"`
	BranchName             string              `json:"branch_name"`
	PRURL                  string              `json:"pr_url"`
	PRNumber               int                 `json:"pr_number"`
	ClarificationCommentID string              `json:"clarification_comment_id"`
	ClarificationQuestions []string            `json:"clarification_questions"`
	Error                  string              `json:"error"`
	RunCount               int                 `json:"run_count"`
	StartedAt              time.Time           `json:"started_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
	CompletedAt            *time.Time          `json:"completed_at"`
}

// View converts a Job into its read model.
func View(j *models.Job) StatusView {
	steps := []models.StepRecord(j.StepsCompleted)
	if steps == nil {
		steps = []models.StepRecord{}
	}
	questions := []string(j.ClarificationQuestions)
	if questions == nil {
		questions = []string{}
	}
	return StatusView{
		JobID:                  j.ID,
		TenantID:               j.TenantID,
		TicketKey:              j.TicketKey,
		ShardID:                j.ShardID,
		Status:                 j.Status,
		Progress:               j.ProgressPercent,
		CurrentStep:            j.CurrentStep,
		StepsCompleted:         steps,
		BranchName:             j.BranchName,
		PRURL:                  j.PullRequestURL,
		PRNumber:               j.PullRequestNumber,
		ClarificationCommentID: j.ClarificationAnchorID,
		ClarificationQuestions: questions,
		Error:                  j.ErrorMessage,
		RunCount:               j.RunCount,
		StartedAt:              j.StartedAt,
		UpdatedAt:              j.UpdatedAt,
		CompletedAt:            j.CompletedAt,
	}
}
