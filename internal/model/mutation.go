package model

import (
	"encoding/json"
	"strings"
)

// Mutation is an application write handed to the queue, over HTTP or Kafka.
type Mutation struct {
	// ID is optional; a client-chosen id makes redelivery idempotent.
	ID         string          `json:"id,omitempty"`
	Action     Action          `json:"action"`
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Metadata   EntryMetadata   `json:"metadata"`
}

func (m Mutation) Validate() error {
	if !m.Action.Valid() {
		return ErrInvalidAction
	}
	if strings.TrimSpace(m.Collection) == "" {
		return ErrCollectionRequired
	}
	if strings.TrimSpace(m.DocumentID) == "" {
		return ErrDocumentIDRequired
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return ErrInvalidData
	}
	return nil
}
