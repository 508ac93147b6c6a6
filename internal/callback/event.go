package callback

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/ledger"
)

// Event types reported by workers.
const (
	EventAdvance   = "advance"
	EventSuspend   = "suspend"
	EventPublished = "published"
	EventComplete  = "complete"
	EventFail      = "fail"
	EventLog       = "log"
)

// ErrUnknownEvent is returned by Apply for an unrecognised event type.
var ErrUnknownEvent = errors.New("callback: unknown event type")

// Event is one ledger mutation requested by a worker.
type Event struct {
	Type              string         `json:"type"`
	Step              string         `json:"step,omitempty"`
	Progress          int            `json:"progress,omitempty"`
	Status            string         `json:"status,omitempty"`
	AnchorID          string         `json:"anchor_id,omitempty"`
	Questions         []string       `json:"questions,omitempty"`
	PullRequestURL    string         `json:"pr_url,omitempty"`
	PullRequestNumber int            `json:"pr_number,omitempty"`
	BranchName        string         `json:"branch_name,omitempty"`
	Error             string         `json:"error,omitempty"`
	Level             string         `json:"level,omitempty"`
	Message           string         `json:"message,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

func (e Event) publication() ledger.Publication {
	return ledger.Publication{
		PullRequestURL:    e.PullRequestURL,
		PullRequestNumber: e.PullRequestNumber,
		BranchName:        e.BranchName,
	}
}

// Apply performs ev against the ledger for jobID.
func Apply(ctx context.Context, l *ledger.Ledger, jobID string, ev Event) error {
	switch ev.Type {
	case EventAdvance:
		return l.Advance(ctx, jobID, ev.Step, ev.Progress, ev.Status)
	case EventSuspend:
		return l.SuspendForClarification(ctx, jobID, ev.AnchorID, ev.Questions)
	case EventPublished:
		return l.MarkPublished(ctx, jobID, ev.publication())
	case EventComplete:
		return l.Complete(ctx, jobID, ev.publication())
	case EventFail:
		return l.Fail(ctx, jobID, ev.Error)
	case EventLog:
		return l.AppendLog(ctx, jobID, ev.Level, ev.Message, ev.Context)
	default:
		return fmt.Errorf("%w %q", ErrUnknownEvent, ev.Type)
	}
}
