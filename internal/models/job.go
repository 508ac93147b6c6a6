package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job statuses.
const (
	StatusPending              = "PENDING"
	StatusRunning              = "RUNNING"
	StatusWaitingClarification = "WAITING_CLARIFICATION"
	StatusPRCreated            = "PR_CREATED"
	StatusComplete             = "COMPLETE"
	StatusFailed               = "FAILED"
	StatusCancelled            = "CANCELLED"
)

// ActiveStatuses are the statuses that hold a ticket's active claim.
var ActiveStatuses = []string{StatusPending, StatusRunning, StatusWaitingClarification}

// TerminalStatuses end an automated run. Only jobs in these statuses are
// eligible for cleanup and start the trigger cooldown.
var TerminalStatuses = []string{StatusPRCreated, StatusComplete, StatusFailed, StatusCancelled}

// IsTerminal reports whether status is one of TerminalStatuses.
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Job is one automation run for a ticket. A ticket key may accumulate many
// jobs over time; at most one of them holds ActiveKey.
type Job struct {
	ID                     string  `gorm:"primaryKey;size:36"`
	TenantID               string  `gorm:"size:64;not null;index:idx_tenant_ticket"`
	TicketKey              string  `gorm:"size:64;not null;index:idx_tenant_ticket"`
	ActiveKey              *string `gorm:"size:160;uniqueIndex"`
	BoardRef               string  `gorm:"size:64"`
	RepoRef                string  `gorm:"size:255"`
	ShardID                string  `gorm:"size:64;index"`
	Status                 string  `gorm:"size:32;default:PENDING;index"`
	ProgressPercent        int     `gorm:"default:0"`
	CurrentStep            string  `gorm:"size:255"`
	StepsCompleted         datatypes.JSONSlice[StepRecord]
	BranchName             string `gorm:"size:255"`
	PullRequestURL         string `gorm:"size:512"`
	PullRequestNumber      int
	ClarificationAnchorID  string `gorm:"size:64"`
	ClarificationQuestions datatypes.JSONSlice[string]
	ErrorMessage           string `gorm:"type:text"`
	RunCount               int    `gorm:"default:1"`
	StartedAt              time.Time
	UpdatedAt              time.Time `gorm:"index"`
	PublishedAt            *time.Time
	CompletedAt            *time.Time
}

// StepRecord is one entry of a job's append-only step history.
type StepRecord struct {
	Step      string    `json:"step"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// TerminalAt returns when the job left the active statuses, or nil while it
// is still active.
func (j *Job) TerminalAt() *time.Time {
	if !IsTerminal(j.Status) {
		return nil
	}
	if j.CompletedAt != nil {
		return j.CompletedAt
	}
	if j.PublishedAt != nil {
		return j.PublishedAt
	}
	t := j.UpdatedAt
	return &t
}

// ActiveKeyFor builds the claim key held by a non-terminal job.
func ActiveKeyFor(tenantID, ticketKey string) string {
	return tenantID + "/" + ticketKey
}
