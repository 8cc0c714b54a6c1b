package model

import (
	"encoding/json"
	"strings"
	"time"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) String() string { return string(a) }

func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// ParseAction normalizes input. Returns (value, true) if valid.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	return a, a.Valid()
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	default:
		return false
	}
}

// EntryMetadata is only used for user-facing reporting, never for replay.
type EntryMetadata struct {
	EntityType  string `json:"entityType"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// QueueEntry is one deferred mutation awaiting confirmation by the remote service.
//
// Action, Collection, DocumentID and Timestamp never change after creation.
type QueueEntry struct {
	ID         string        `json:"id"`
	Action     Action        `json:"action"`
	Collection string        `json:"collection"`
	DocumentID string        `json:"documentId"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     Status        `json:"status"`
	RetryCount int           `json:"retryCount"`
	Metadata   EntryMetadata `json:"metadata"`

	Data            json.RawMessage `json:"data,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	NextAttemptAt   *time.Time      `json:"nextAttemptAt,omitempty"`
	NeedsResolution bool            `json:"needsResolution,omitempty"`
}

// DocumentKey identifies the target entity; entries sharing a key replay strictly in order.
func (e QueueEntry) DocumentKey() string {
	return e.Collection + "/" + e.DocumentID
}

// Eligible reports whether a drain cycle may attempt the entry at now.
func (e QueueEntry) Eligible(now time.Time) bool {
	if e.NeedsResolution {
		return false
	}
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
	default:
		return false
	}
}

// Validate checks the fields every stored entry must carry.
func (e QueueEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrIDRequired
	}
	if !e.Action.Valid() {
		return ErrInvalidAction
	}
	if strings.TrimSpace(e.Collection) == "" {
		return ErrCollectionRequired
	}
	if strings.TrimSpace(e.DocumentID) == "" {
		return ErrDocumentIDRequired
	}
	if e.Timestamp.IsZero() {
		return ErrTimestampRequired
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	if e.RetryCount < 0 {
		return ErrNegativeRetryCount
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return ErrInvalidData
	}
	return nil
}
