package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/treesync/internal/model"
)

const outcomesSchema = `
	CREATE TABLE IF NOT EXISTS sync_outcomes (
		entry_id     String,
		collection   LowCardinality(String),
		document_id  String,
		action       LowCardinality(String),
		outcome      LowCardinality(String),
		retry_count  UInt32,
		error        String,
		display_name String,
		at           DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (collection, document_id, at)
`

// OutcomeFilter narrows ListOutcomes; zero values match everything.
type OutcomeFilter struct {
	Collection string
	DocumentID string
	Outcome    model.Outcome
	Limit      int
	Offset     int
}

// CHOutcomesRepository keeps an append-only history of sync outcomes in ClickHouse.
type CHOutcomesRepository interface {
	Migrate(ctx context.Context) error
	Insert(ctx context.Context, outcomes []model.EntryOutcome) error
	ListOutcomes(ctx context.Context, f OutcomeFilter) ([]model.EntryOutcome, error)
}

type outcomeRow struct {
	EntryID     string    `db:"entry_id"`
	Collection  string    `db:"collection"`
	DocumentID  string    `db:"document_id"`
	Action      string    `db:"action"`
	Outcome     string    `db:"outcome"`
	RetryCount  uint32    `db:"retry_count"`
	Error       string    `db:"error"`
	DisplayName string    `db:"display_name"`
	At          time.Time `db:"at"`
}

// ChOutcomes buffers entry outcomes and writes them as one batch per drain cycle.
type ChOutcomes struct {
	ch *sqlx.DB

	mu      sync.Mutex
	pending []model.EntryOutcome
}

func NewCHOutcomesRepository(ch *sqlx.DB) *ChOutcomes {
	return &ChOutcomes{ch: ch}
}

var _ CHOutcomesRepository = (*ChOutcomes)(nil)

func (r *ChOutcomes) Migrate(ctx context.Context) error {
	if _, err := r.ch.ExecContext(ctx, outcomesSchema); err != nil {
		return fmt.Errorf("create sync_outcomes: %w", err)
	}
	return nil
}

// Insert writes outcomes in a single ClickHouse batch.
func (r *ChOutcomes) Insert(ctx context.Context, outcomes []model.EntryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_outcomes
		(entry_id, collection, document_id, action, outcome, retry_count, error, display_name, at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx,
			o.EntryID, o.Collection, o.DocumentID, string(o.Action), string(o.Outcome),
			uint32(o.RetryCount), o.Error, o.DisplayName, o.At.UTC(),
		); err != nil {
			return fmt.Errorf("append outcome %s: %w", o.EntryID, err)
		}
	}
	return tx.Commit()
}

func (r *ChOutcomes) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]model.EntryOutcome, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT entry_id, collection, document_id, action, outcome, retry_count, error, display_name, at
		FROM sync_outcomes
		WHERE 1 = 1
	`
	var args []any
	if f.Collection != "" {
		q += " AND collection = ?"
		args = append(args, f.Collection)
	}
	if f.DocumentID != "" {
		q += " AND document_id = ?"
		args = append(args, f.DocumentID)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []outcomeRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.EntryOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.EntryOutcome{
			EntryID:     row.EntryID,
			Collection:  row.Collection,
			DocumentID:  row.DocumentID,
			Action:      model.Action(row.Action),
			Outcome:     model.Outcome(row.Outcome),
			RetryCount:  int(row.RetryCount),
			Error:       row.Error,
			DisplayName: row.DisplayName,
			At:          row.At,
		})
	}
	return out, nil
}

// NotifyEntry buffers o until the cycle summary arrives.
func (r *ChOutcomes) NotifyEntry(_ context.Context, o model.EntryOutcome) error {
	r.mu.Lock()
	r.pending = append(r.pending, o)
	r.mu.Unlock()
	return nil
}

// NotifyCycle flushes the buffered outcomes of the finished cycle.
func (r *ChOutcomes) NotifyCycle(ctx context.Context, _ model.CycleResult) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	return r.Insert(ctx, batch)
}
