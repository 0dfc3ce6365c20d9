package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/conductor/runtime/breaker"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/ratelimit"
	"goa.design/conductor/runtime/session"
)

type (
	// Outcome summarizes a run for the caller.
	Outcome string

	// StageStatus is the terminal state of one stage in a run.
	StageStatus string

	// StageResult describes one stage of a run.
	StageResult struct {
		// Name is the stage name.
		Name string
		// Status is the terminal state.
		Status StageStatus
		// Output is the stage output when it succeeded.
		Output json.RawMessage
		// Attempts counts provider invocations.
		Attempts int
		// Duration is the time from admission to completion.
		Duration time.Duration
		// Err is the classified failure when the stage did not succeed.
		Err error
	}

	// Result is the outcome of Executor.Run.
	Result struct {
		PipelineID string
		SessionID  string
		Outcome    Outcome
		// Stages lists stage results in declaration order.
		Stages []StageResult
		// Context is the merged session context after the run.
		Context map[string]json.RawMessage
		// Session is the persisted session after the run.
		Session *session.Session
		// Err is nil when Outcome is OutcomeSucceeded and an *AbortedError
		// otherwise.
		Err error
	}

	// StageTimeoutError reports a stage that exceeded its timeout.
	StageTimeoutError struct {
		Stage   string
		Timeout time.Duration
	}

	// AbortedError reports a run that stopped before all stages resolved,
	// either because a required stage did not succeed or because the run was
	// canceled.
	AbortedError struct {
		PipelineID string
		// Stage is the required stage that stopped the run, empty on
		// cancellation.
		Stage string
		Cause error
	}
)

const (
	// OutcomeSucceeded means every required stage succeeded.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeDenied means a policy layer refused a required stage. The
	// session stays active so the run can be retried later.
	OutcomeDenied Outcome = "denied"
	// OutcomeFailed means a required stage failed after retries.
	OutcomeFailed Outcome = "failed"
	// OutcomeAborted means the run was canceled or a required stage could
	// not run because a stage it consumes did not succeed.
	OutcomeAborted Outcome = "aborted"
)

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageDenied    StageStatus = "denied"
	StageTimedOut  StageStatus = "timed_out"
	StageSkipped   StageStatus = "skipped"
	// StageCanceled marks stages that were not started or whose result was
	// discarded because the run aborted.
	StageCanceled StageStatus = "canceled"
)

var (
	// ErrTerminal is returned when a run targets a completed, failed or
	// archived session.
	ErrTerminal = errors.New("pipeline: session is terminal")
	// ErrRunInProgress is returned when the executor is already running a
	// pipeline against the session.
	ErrRunInProgress = errors.New("pipeline: run in progress for session")
)

// Stage returns the result of the named stage.
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Error implements error.
func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %q timed out after %s", e.Stage, e.Timeout)
}

// Error implements error.
func (e *AbortedError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("pipeline %q aborted: %v", e.PipelineID, e.Cause)
	}
	return fmt.Sprintf("pipeline %q aborted at stage %q: %v", e.PipelineID, e.Stage, e.Cause)
}

// Unwrap returns the cause.
func (e *AbortedError) Unwrap() error { return e.Cause }

// IsDenial reports whether err is a policy denial: rate limit, open circuit
// or an execution already in progress.
func IsDenial(err error) bool {
	var (
		exceeded *ratelimit.ExceededError
		open     *breaker.OpenError
	)
	return errors.As(err, &exceeded) || errors.As(err, &open) || errors.Is(err, idempotency.ErrInProgress)
}

func denialPolicy(err error) string {
	var (
		exceeded *ratelimit.ExceededError
		open     *breaker.OpenError
	)
	switch {
	case errors.As(err, &exceeded):
		return "rate_limit"
	case errors.As(err, &open):
		return "circuit_breaker"
	default:
		return "idempotency"
	}
}

func (s StageStatus) entryStatus() session.EntryStatus {
	switch s {
	case StageSucceeded:
		return session.EntrySucceeded
	case StageDenied:
		return session.EntryDenied
	case StageTimedOut:
		return session.EntryTimedOut
	case StageSkipped:
		return session.EntrySkipped
	default:
		return session.EntryFailed
	}
}
