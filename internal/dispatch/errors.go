package dispatch

import (
	"errors"
	"fmt"
)

// ErrCallbacksNotConfigured is returned when the dispatcher has no callback
// signer or public callback URL.
var ErrCallbacksNotConfigured = errors.New("dispatch: callbacks are not configured (set server.callback_secret and server.public_url)")

// Kind classifies why a trigger did not dispatch.
type Kind string

// Error kinds, one per guard family.
const (
	KindValidation  Kind = "validation"
	KindEntitlement Kind = "entitlement"
	KindConcurrency Kind = "concurrency"
	KindRouting     Kind = "routing"
	KindDispatch    Kind = "dispatch"
)

// Error is returned by every Dispatcher entry point when a guard or the
// dispatch call fails. JobID is set when the failure refers to an existing
// job (duplicate, cooldown) or to the job that could not be dispatched.
type Error struct {
	Kind  Kind
	JobID string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, jobID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, JobID: jobID, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or "" if err is not a dispatch *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Result is the caller-facing outcome of a trigger, retry or resume.
type Result struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// Outcome folds an entry point's return values into a Result.
func Outcome(jobID string, err error) Result {
	if err == nil {
		return Result{Success: true, JobID: jobID}
	}
	r := Result{Error: err.Error()}
	var de *Error
	if errors.As(err, &de) {
		r.Kind = de.Kind
		r.JobID = de.JobID
		r.Error = de.Msg
		if de.Err != nil {
			r.Error = de.Msg + ": " + de.Err.Error()
		}
	}
	return r
}
