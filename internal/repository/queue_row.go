package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/treesync/internal/model"
)

const entryColumns = "seq, id, action, collection, document_id, created_at, status, retry_count, entity_type, display_name, description, data, last_error, next_attempt_at, needs_resolution, updated_at"

type entryRow struct {
	Seq             int64          `db:"seq"`
	ID              string         `db:"id"`
	Action          string         `db:"action"`
	Collection      string         `db:"collection"`
	DocumentID      string         `db:"document_id"`
	CreatedAt       string         `db:"created_at"`
	Status          string         `db:"status"`
	RetryCount      int            `db:"retry_count"`
	EntityType      string         `db:"entity_type"`
	DisplayName     string         `db:"display_name"`
	Description     string         `db:"description"`
	Data            sql.NullString `db:"data"`
	LastError       sql.NullString `db:"last_error"`
	NextAttemptAt   sql.NullString `db:"next_attempt_at"`
	NeedsResolution bool           `db:"needs_resolution"`
	UpdatedAt       string         `db:"updated_at"`
}

func rowFromEntry(e model.QueueEntry, now time.Time) entryRow {
	row := entryRow{
		ID:              e.ID,
		Action:          string(e.Action),
		Collection:      e.Collection,
		DocumentID:      e.DocumentID,
		CreatedAt:       formatTime(e.Timestamp),
		Status:          string(e.Status),
		RetryCount:      e.RetryCount,
		EntityType:      e.Metadata.EntityType,
		DisplayName:     e.Metadata.DisplayName,
		Description:     e.Metadata.Description,
		NeedsResolution: e.NeedsResolution,
		UpdatedAt:       formatTime(now),
	}
	if len(e.Data) > 0 {
		row.Data = sql.NullString{String: string(e.Data), Valid: true}
	}
	if e.LastError != "" {
		row.LastError = sql.NullString{String: e.LastError, Valid: true}
	}
	if e.NextAttemptAt != nil {
		row.NextAttemptAt = sql.NullString{String: formatTime(*e.NextAttemptAt), Valid: true}
	}
	return row
}

func (row entryRow) toEntry() (model.QueueEntry, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("entry %s: created_at: %w", row.ID, err)
	}
	entry := model.QueueEntry{
		ID:         row.ID,
		Action:     model.Action(row.Action),
		Collection: row.Collection,
		DocumentID: row.DocumentID,
		Timestamp:  created,
		Status:     model.Status(row.Status),
		RetryCount: row.RetryCount,
		Metadata: model.EntryMetadata{
			EntityType:  row.EntityType,
			DisplayName: row.DisplayName,
			Description: row.Description,
		},
		LastError:       row.LastError.String,
		NeedsResolution: row.NeedsResolution,
	}
	if row.Data.Valid && row.Data.String != "" {
		entry.Data = json.RawMessage(row.Data.String)
	}
	if row.NextAttemptAt.Valid && row.NextAttemptAt.String != "" {
		next, err := parseTime(row.NextAttemptAt.String)
		if err != nil {
			return model.QueueEntry{}, fmt.Errorf("entry %s: next_attempt_at: %w", row.ID, err)
		}
		entry.NextAttemptAt = &next
	}
	return entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}
