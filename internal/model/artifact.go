package model

import "time"

// ExportArtifact is a versioned, portable snapshot of the full queue.
type ExportArtifact struct {
	Version      string           `json:"version"`
	Timestamp    time.Time        `json:"timestamp"`
	QueueEntries []QueueEntry     `json:"queueEntries"`
	Metadata     ArtifactMetadata `json:"metadata"`
}

type ArtifactMetadata struct {
	TotalEntries int    `json:"totalEntries"`
	ExportedBy   string `json:"exportedBy,omitempty"`
	Description  string `json:"description,omitempty"`
}
