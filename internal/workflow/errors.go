package workflow

import (
	"errors"
	"fmt"
)

// Phase names, in execution order.
const (
	PhaseFetchTicket     = "fetch_ticket"
	PhaseClarification   = "read_clarification"
	PhaseAnalyze         = "analyze_requirements"
	PhaseClarityGate     = "clarity_gate"
	PhaseClone           = "clone"
	PhaseAnalyzeCodebase = "analyze_codebase"
	PhasePlan            = "plan"
	PhaseImplement       = "implement"
	PhaseCommit          = "commit_push"
	PhasePublish         = "publish"
	PhaseFinalize        = "finalize"
)

// PhaseError is a failure inside one workflow phase. The runner turns it
// into a failed job.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(phase string, err error) *PhaseError {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe
	}
	return &PhaseError{Phase: phase, Err: err}
}
