package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/tracker"
)

// PayloadVersion is the only payload schema version workers accept.
const PayloadVersion = 1

// Payload modes select the workflow entry point on the worker.
const (
	ModeFresh  = "fresh"
	ModeResume = "resume"
	ModeRetry  = "retry"
)

// TicketData is the ticket snapshot sent with a job.
type TicketData struct {
	Summary        string               `json:"summary"`
	Description    string               `json:"description"`
	Type           string               `json:"type"`
	Priority       string               `json:"priority"`
	Comments       []tracker.Comment    `json:"comments"`
	AttachmentInfo []tracker.Attachment `json:"attachment_info"`
	URLsToCheck    []string             `json:"urls_to_check"`
}

// TicketDataFrom copies the fields of issue a worker needs.
func TicketDataFrom(issue *tracker.Issue) TicketData {
	td := TicketData{
		Summary:        issue.Summary,
		Description:    issue.Description,
		Type:           issue.Type,
		Priority:       issue.Priority,
		Comments:       issue.Comments,
		AttachmentInfo: issue.Attachments,
		URLsToCheck:    issue.URLs,
	}
	if td.Comments == nil {
		td.Comments = []tracker.Comment{}
	}
	if td.AttachmentInfo == nil {
		td.AttachmentInfo = []tracker.Attachment{}
	}
	if len(td.URLsToCheck) == 0 {
		td.URLsToCheck = tracker.ExtractURLs(issue.Description)
	}
	if td.URLsToCheck == nil {
		td.URLsToCheck = []string{}
	}
	return td
}

// Payload is the immutable job description sent to a shard.
type Payload struct {
	Version               int                 `json:"version"`
	Mode                  string              `json:"mode"`
	JobID                 string              `json:"job_id"`
	TenantID              string              `json:"tenant_id"`
	TicketKey             string              `json:"ticket_key"`
	BoardRef              string              `json:"board_ref,omitempty"`
	RunCount              int                 `json:"run_count"`
	TicketData            TicketData          `json:"ticket_data"`
	RepoConfig            config.RepoConfig   `json:"repo_config"`
	Credentials           config.Credentials  `json:"credentials"`
	CallbackURL           string              `json:"callback_url"`
	CallbackToken         string              `json:"callback_token,omitempty"`
	ExistingBranch        string              `json:"existing_branch,omitempty"`
	ExistingPRNumber      int                 `json:"existing_pr_number,omitempty"`
	ClarificationAnchorID string              `json:"clarification_anchor_id,omitempty"`
	AnsweringCommentID    string              `json:"answering_comment_id,omitempty"`
	FeatureFlags          config.FeatureFlags `json:"feature_flags"`
	ExistingThemeID       string              `json:"existing_theme_id,omitempty"`
	WIPLabel              string              `json:"wip_label,omitempty"`
}

// Validate checks the fields every mode needs.
func (p *Payload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("dispatch: payload version %d is not supported", p.Version)
	}
	switch p.Mode {
	case ModeFresh, ModeRetry, ModeResume:
	default:
		return fmt.Errorf("dispatch: payload mode %q is not one of fresh, retry, resume", p.Mode)
	}
	if p.JobID == "" || p.TicketKey == "" {
		return fmt.Errorf("dispatch: payload job_id and ticket_key are required")
	}
	if p.RepoConfig.Owner == "" || p.RepoConfig.Name == "" || p.RepoConfig.CloneURL == "" {
		return fmt.Errorf("dispatch: payload repo_config owner, name and clone_url are required")
	}
	if p.CallbackURL == "" {
		return fmt.Errorf("dispatch: payload callback_url is required")
	}
	if p.Mode == ModeRetry && p.ExistingBranch == "" {
		return fmt.Errorf("dispatch: retry payload needs existing_branch")
	}
	if p.Mode == ModeResume && p.ClarificationAnchorID == "" {
		return fmt.Errorf("dispatch: resume payload needs clarification_anchor_id")
	}
	if p.Mode == ModeResume && p.AnsweringCommentID == "" {
		return fmt.Errorf("dispatch: resume payload needs answering_comment_id")
	}
	return nil
}

// DecodePayload parses and validates a payload received by a worker.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("dispatch: decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
