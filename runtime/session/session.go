// Package session persists long-lived pipeline sessions.
//
// A Session accumulates the output of every stage a pipeline runs under it
// (Context) and an append-only record of executions (History). Sessions are
// written through a debounced Store that holds a single-writer lease per
// session id, and move through a monotonic lifecycle managed by Lifecycle and
// the housekeeping Sweeper.
package session

import (
	"encoding/json"
	"time"
)

type (
	// Session is the durable state of one session.
	//
	// Contract:
	// - ID never changes after creation.
	// - Status only moves along the transitions allowed by CanTransition.
	// - Re-running a stage appends a history entry and replaces only that
	//   stage's Context slot.
	Session struct {
		// ID is the immutable session identifier.
		ID string `json:"id"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time `json:"updated_at"`
		// EndedAt is set when the session reaches a terminal status.
		EndedAt *time.Time `json:"ended_at,omitempty"`
		// Context maps stage names to their latest output.
		Context map[string]json.RawMessage `json:"context"`
		// History lists stage executions in order.
		History []HistoryEntry `json:"history"`
		// Failure describes why a failed session failed.
		Failure *Failure `json:"failure,omitempty"`
		// Encrypted reports whether the stored document is encrypted.
		Encrypted bool `json:"encrypted,omitempty"`
	}

	// HistoryEntry records one stage execution.
	HistoryEntry struct {
		// Command is the pipeline that ran the stage.
		Command string `json:"command"`
		// Stage is the stage name.
		Stage string `json:"stage"`
		// Status is the stage outcome.
		Status EntryStatus `json:"status"`
		// At is when the stage finished.
		At time.Time `json:"at"`
		// Duration is the stage wall time.
		Duration time.Duration `json:"duration"`
		// Attempts is the number of LLM call attempts made.
		Attempts int `json:"attempts"`
		// Error is the failure message, if any.
		Error string `json:"error,omitempty"`
		// Metrics carries provider usage or other stage metrics.
		Metrics json.RawMessage `json:"metrics,omitempty"`
	}

	// Failure is the completion metadata of a failed session.
	Failure struct {
		// Reason is the error message that failed the session.
		Reason string `json:"reason"`
		// Stage is the stage that failed, if any.
		Stage string `json:"stage,omitempty"`
		// At is when the failure was recorded.
		At time.Time `json:"at"`
	}

	// Status is the lifecycle state of a session.
	Status string

	// EntryStatus is the outcome recorded in a history entry.
	EntryStatus string
)

const (
	// StatusActive sessions accept stage executions.
	StatusActive Status = "active"
	// StatusPaused sessions are suspended and must be resumed before use.
	StatusPaused Status = "paused"
	// StatusCompleted sessions finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed sessions finished with a failure. Terminal.
	StatusFailed Status = "failed"
	// StatusArchived sessions were retired by the sweeper.
	StatusArchived Status = "archived"
)

const (
	// EntrySucceeded marks a stage whose output was merged.
	EntrySucceeded EntryStatus = "succeeded"
	// EntryFailed marks a stage that failed after retries or fatally.
	EntryFailed EntryStatus = "failed"
	// EntryDenied marks a stage rejected by a policy (rate limit, open
	// circuit, in-progress duplicate).
	EntryDenied EntryStatus = "denied"
	// EntrySkipped marks a stage whose inputs were unavailable.
	EntrySkipped EntryStatus = "skipped"
	// EntryTimedOut marks a stage that exceeded its timeout.
	EntryTimedOut EntryStatus = "timed_out"
)

var transitions = map[Status][]Status{
	StatusActive:    {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusActive, StatusCompleted, StatusFailed},
	StatusCompleted: {StatusArchived},
	StatusFailed:    {StatusArchived},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts no further stage executions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusArchived
}

// New returns an active session created at now.
func New(id string, now time.Time, initial map[string]json.RawMessage) *Session {
	now = normalize(now)
	ctx := make(map[string]json.RawMessage, len(initial))
	for k, v := range initial {
		ctx[k] = cloneRaw(v)
	}
	return &Session{
		ID:        id,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Context:   ctx,
		History:   []HistoryEntry{},
	}
}

// Record appends entry to the history and, when output is non-nil, replaces
// the stage's context slot.
func (s *Session) Record(entry HistoryEntry, output json.RawMessage) {
	entry.At = normalize(entry.At)
	s.History = append(s.History, entry)
	if output != nil {
		if s.Context == nil {
			s.Context = make(map[string]json.RawMessage)
		}
		s.Context[entry.Stage] = cloneRaw(output)
	}
	if entry.At.After(s.UpdatedAt) {
		s.UpdatedAt = entry.At
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		at := *s.EndedAt
		out.EndedAt = &at
	}
	if s.Context != nil {
		out.Context = make(map[string]json.RawMessage, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = cloneRaw(v)
		}
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		for i, h := range s.History {
			h.Metrics = cloneRaw(h.Metrics)
			out.History[i] = h
		}
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return &out
}

// LastActivity returns when the session ended, or its last update when it has
// not ended.
func (s *Session) LastActivity() time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return s.UpdatedAt
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// normalize strips the monotonic reading and location so persisted times
// compare equal after a round trip.
func normalize(t time.Time) time.Time {
	return t.UTC().Round(0)
}
