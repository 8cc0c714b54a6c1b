package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/db"
	"github.com/jmehdipour/treesync/internal/model"
)

var (
	// ErrDuplicateID is returned by Append/ReplaceAll on a colliding entry id.
	ErrDuplicateID = errors.New("queue entry id already exists")
	// ErrNotFound is returned when updating an entry that is not in the store.
	ErrNotFound = errors.New("queue entry not found")
	// ErrRetryCountDecrease guards the monotonic retry counter.
	ErrRetryCountDecrease = errors.New("queue entry retry count cannot decrease")
	// ErrEntryInFlight is returned by Discard while the entry is syncing.
	ErrEntryInFlight = errors.New("queue entry is being synced")
)

// QueueRepository is the durable, ordered store of queue entries.
// Store order is insertion order; every mutation is serialized through one transaction boundary.
type QueueRepository interface {
	Append(ctx context.Context, entry model.QueueEntry) error
	Get(ctx context.Context, id string) (*model.QueueEntry, error)
	// ListPending returns pending and failed entries, oldest first.
	ListPending(ctx context.Context) ([]model.QueueEntry, error)
	ListAll(ctx context.Context) ([]model.QueueEntry, error)
	// UpdateStatus sets status and, when retryCount is non-nil, the retry counter.
	UpdateStatus(ctx context.Context, id string, status model.Status, retryCount *int) error
	MarkFailed(ctx context.Context, u FailureUpdate) error
	ResetForRetry(ctx context.Context, id string) error
	ResetSyncing(ctx context.Context) (int64, error)
	// Remove is a no-op when the entry is already absent.
	Remove(ctx context.Context, id string) error
	// Discard removes an entry unless it is syncing and returns the status it had.
	Discard(ctx context.Context, id string) (model.Status, error)
	// ReplaceAll atomically swaps the whole store content.
	ReplaceAll(ctx context.Context, entries []model.QueueEntry) error
	Count(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[model.Status]int, error)
}

// FailureUpdate records a failed sync attempt on an entry.
type FailureUpdate struct {
	ID string
	// Permanent selects fail_permanent over fail_transient in the transition table.
	Permanent       bool
	RetryCount      int
	LastError       string
	NextAttemptAt   *time.Time
	NeedsResolution bool
}

// QueueRepositoryImpl is a sqlx-backed implementation for SQLite and MySQL.
type QueueRepositoryImpl struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time

	writeMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func()
}

var _ QueueRepository = (*QueueRepositoryImpl)(nil)

// NewQueueRepository wraps an open connection. Call Migrate before use.
func NewQueueRepository(db *sqlx.DB, dialect Dialect) *QueueRepositoryImpl {
	return &QueueRepositoryImpl{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenQueue opens the configured store and applies the schema.
func OpenQueue(ctx context.Context, cfg config.StoreConfig) (*QueueRepositoryImpl, error) {
	conn, err := db.NewStoreConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	repo := NewQueueRepository(conn, Dialect(cfg.Driver))
	if err := repo.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate creates the queue table and indexes if missing.
func (r *QueueRepositoryImpl) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(r.dialect) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply queue schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (r *QueueRepositoryImpl) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// OnChange registers fn to run after every committed mutation.
func (r *QueueRepositoryImpl) OnChange(fn func()) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *QueueRepositoryImpl) changed() {
	r.hooksMu.RLock()
	hooks := append([]func(){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// withWriteTx serializes writers and runs fn in a single transaction.
func (r *QueueRepositoryImpl) withWriteTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	r.writeMu.Lock()
	err := func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	}()
	r.writeMu.Unlock()

	if err == nil {
		r.changed()
	}
	return err
}

func (r *QueueRepositoryImpl) Append(ctx context.Context, entry model.QueueEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := r.exists(ctx, tx, entry.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, entry.ID)
		}
		return r.insert(ctx, tx, entry)
	})
}

func (r *QueueRepositoryImpl) Get(ctx context.Context, id string) (*model.QueueEntry, error) {
	var row entryRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	entry, err := row.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *QueueRepositoryImpl) ListPending(ctx context.Context) ([]model.QueueEntry, error) {
	return r.list(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE status IN (?, ?) ORDER BY seq`,
		model.StatusPending, model.StatusFailed,
	)
}

func (r *QueueRepositoryImpl) ListAll(ctx context.Context) ([]model.QueueEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM queue_entries ORDER BY seq`)
}

func (r *QueueRepositoryImpl) list(ctx context.Context, query string, args ...any) ([]model.QueueEntry, error) {
	var rows []entryRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]model.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpdateStatus moves an entry to status. Moves the transition table does not
// allow fail with model.ErrInvalidTransition.
func (r *QueueRepositoryImpl) UpdateStatus(ctx context.Context, id string, status model.Status, retryCount *int) error {
	if !status.Valid() {
		return fmt.Errorf("update status: %w", model.ErrInvalidStatus)
	}
	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := r.current(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.Allows(cur.Status, status) {
			return fmt.Errorf("update status %s: %w: %s -> %s", id, model.ErrInvalidTransition, cur.Status, status)
		}
		next, err := cur.nextRetryCount(id, retryCount)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE queue_entries
			   SET status = ?, retry_count = ?, updated_at = ?
			 WHERE id = ?`),
			status, next, formatTime(r.now()), id,
		)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed sync attempt on an entry that is syncing.
func (r *QueueRepositoryImpl) MarkFailed(ctx context.Context, u FailureUpdate) error {
	ev := model.EventFailTransient
	if u.Permanent {
		ev = model.EventFailPermanent
	}
	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := r.current(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		to, err := model.Transition(cur.Status, ev)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", u.ID, err)
		}
		next, err := cur.nextRetryCount(u.ID, &u.RetryCount)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE queue_entries
			   SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?,
			       needs_resolution = ?, updated_at = ?
			 WHERE id = ?`),
			to, next, nullableString(u.LastError), nullableTime(u.NextAttemptAt),
			u.NeedsResolution, formatTime(r.now()), u.ID,
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// ResetForRetry moves a failed entry back to pending for manual resolution.
// The retry counter is kept.
func (r *QueueRepositoryImpl) ResetForRetry(ctx context.Context, id string) error {
	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		var status model.Status
		err := tx.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM queue_entries WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		to, err := model.Transition(status, model.EventRetry)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE queue_entries
			   SET status = ?, last_error = NULL, next_attempt_at = NULL,
			       needs_resolution = ?, updated_at = ?
			 WHERE id = ?`),
			to, false, formatTime(r.now()), id,
		)
		if err != nil {
			return fmt.Errorf("reset for retry: %w", err)
		}
		return nil
	})
}

// ResetSyncing returns entries abandoned mid-sync (crash, teardown) to pending.
func (r *QueueRepositoryImpl) ResetSyncing(ctx context.Context) (int64, error) {
	var affected int64
	err := r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE queue_entries SET status = ?, updated_at = ? WHERE status = ?`),
			model.StatusPending, formatTime(r.now()), model.StatusSyncing,
		)
		if err != nil {
			return fmt.Errorf("reset syncing: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (r *QueueRepositoryImpl) Remove(ctx context.Context, id string) error {
	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM queue_entries WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		return nil
	})
}

func (r *QueueRepositoryImpl) Discard(ctx context.Context, id string) (model.Status, error) {
	var was model.Status
	err := r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := r.current(ctx, tx, id)
		if err != nil {
			return err
		}
		was = cur.Status
		res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM queue_entries WHERE id = ? AND status <> ?`), id, model.StatusSyncing)
		if err != nil {
			return fmt.Errorf("discard entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrEntryInFlight, id)
		}
		return nil
	})
	return was, err
}

// ReplaceAll clears the store and inserts entries in order, all or nothing.
func (r *QueueRepositoryImpl) ReplaceAll(ctx context.Context, entries []model.QueueEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("replace entries: entry %d: %w", i, err)
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("replace entries: %w: %s", ErrDuplicateID, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}

	return r.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		for _, entry := range entries {
			if err := r.insert(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *QueueRepositoryImpl) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM queue_entries`); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Stats returns a count of entries grouped by status.
func (r *QueueRepositoryImpl) Stats(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[model.Status]int)
	for rows.Next() {
		var status model.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *QueueRepositoryImpl) exists(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(1) FROM queue_entries WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("check entry id: %w", err)
	}
	return n > 0, nil
}

type entryState struct {
	Status     model.Status `db:"status"`
	RetryCount int          `db:"retry_count"`
}

func (r *QueueRepositoryImpl) current(ctx context.Context, tx *sqlx.Tx, id string) (entryState, error) {
	var st entryState
	err := tx.GetContext(ctx, &st, r.db.Rebind(`SELECT status, retry_count FROM queue_entries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return st, fmt.Errorf("read entry state: %w", err)
	}
	return st, nil
}

func (st entryState) nextRetryCount(id string, requested *int) (int, error) {
	if requested == nil {
		return st.RetryCount, nil
	}
	if *requested < st.RetryCount {
		return 0, fmt.Errorf("%w: %s (%d -> %d)", ErrRetryCountDecrease, id, st.RetryCount, *requested)
	}
	return *requested, nil
}

const insertEntry = `
	INSERT INTO queue_entries
	    (id, action, collection, document_id, created_at, status, retry_count,
	     entity_type, display_name, description, data, last_error, next_attempt_at,
	     needs_resolution, updated_at)
	VALUES
	    (:id, :action, :collection, :document_id, :created_at, :status, :retry_count,
	     :entity_type, :display_name, :description, :data, :last_error, :next_attempt_at,
	     :needs_resolution, :updated_at)
`

func (r *QueueRepositoryImpl) insert(ctx context.Context, tx *sqlx.Tx, entry model.QueueEntry) error {
	row := rowFromEntry(entry, r.now())
	if _, err := tx.NamedExecContext(ctx, insertEntry, row); err != nil {
		return fmt.Errorf("insert entry %s: %w", entry.ID, err)
	}
	return nil
}
