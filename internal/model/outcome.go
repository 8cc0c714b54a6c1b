package model

import "time"

type Outcome string

const (
	OutcomeSynced Outcome = "synced"
	// OutcomeRetry is a transient failure; the entry waits out its backoff window.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed needs manual resolution.
	OutcomeFailed Outcome = "failed"
)

// EntryOutcome is emitted once per attempted entry for UI feedback.
type EntryOutcome struct {
	EntryID     string    `json:"entryId"`
	Collection  string    `json:"collection"`
	DocumentID  string    `json:"documentId"`
	Action      Action    `json:"action"`
	Outcome     Outcome   `json:"outcome"`
	RetryCount  int       `json:"retryCount"`
	Error       string    `json:"error,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	At          time.Time `json:"at"`
}

// CycleResult aggregates one drain cycle.
type CycleResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Retryable int           `json:"retryable"`
	Deferred  int           `json:"deferred"`
	Blocked   int           `json:"blocked"`
	Skipped   int           `json:"skipped"`
	Coalesced bool          `json:"coalesced,omitempty"`
	Offline   bool          `json:"offline,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Attempted counts entries a remote call was issued for.
func (r CycleResult) Attempted() int { return r.Succeeded + r.Failed }

// Idle reports a cycle that found nothing to do.
func (r CycleResult) Idle() bool {
	return !r.Coalesced && !r.Offline && r.Error == "" &&
		r.Attempted() == 0 && r.Deferred == 0 && r.Blocked == 0 && r.Skipped == 0
}
