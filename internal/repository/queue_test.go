package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/model"
)

func newTestQueue(t *testing.T) (*QueueRepositoryImpl, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	repo, err := OpenQueue(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		BusyTimeout: 5 * time.Second,
		DatabaseConfig: config.DatabaseConfig{
			DSN: path,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, path
}

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func testEntry(i int) model.QueueEntry {
	return model.QueueEntry{
		ID:         fmt.Sprintf("entry-%02d", i),
		Action:     model.ActionCreate,
		Collection: "people",
		DocumentID: fmt.Sprintf("doc-%02d", i),
		Timestamp:  baseTime.Add(time.Duration(i) * time.Second),
		Status:     model.StatusPending,
		Metadata: model.EntryMetadata{
			EntityType:  "person",
			DisplayName: fmt.Sprintf("Person %d", i),
			Description: "added offline",
		},
		Data: json.RawMessage(`{"name":"Ada"}`),
	}
}

func ids(entries []model.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestQueue_AppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)

	// Insertion order wins over timestamps.
	for _, i := range []int{3, 1, 2} {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entry-03", "entry-01", "entry-02"}, ids(pending))

	got, err := repo.Get(ctx, "entry-01")
	require.NoError(t, err)
	require.Equal(t, testEntry(1), *got)
}

func TestQueue_AppendRejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)

	require.NoError(t, repo.Append(ctx, testEntry(1)))
	require.ErrorIs(t, repo.Append(ctx, testEntry(1)), ErrDuplicateID)

	bad := testEntry(2)
	bad.Action = "upsert"
	require.ErrorIs(t, repo.Append(ctx, bad), model.ErrInvalidAction)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	repo, path := newTestQueue(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}
	require.NoError(t, repo.Close())

	reopened, err := OpenQueue(ctx, config.StoreConfig{
		Driver:         "sqlite",
		DatabaseConfig: config.DatabaseConfig{DSN: path},
	})
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entry-01", "entry-02", "entry-03"}, ids(all))
}

func TestQueue_ListPendingIncludesFailedOnly(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)

	for i := 1; i <= 4; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}
	for _, id := range []string{"entry-02", "entry-03", "entry-04"} {
		require.NoError(t, repo.UpdateStatus(ctx, id, model.StatusSyncing, nil))
	}
	require.NoError(t, repo.UpdateStatus(ctx, "entry-03", model.StatusSynced, nil))
	require.NoError(t, repo.MarkFailed(ctx, FailureUpdate{ID: "entry-04", RetryCount: 1, LastError: "timeout"}))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entry-01", "entry-04"}, ids(pending))
	require.Equal(t, model.StatusFailed, pending[1].Status)
	require.Equal(t, "timeout", pending[1].LastError)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, map[model.Status]int{
		model.StatusPending: 1,
		model.StatusSyncing: 1,
		model.StatusSynced:  1,
		model.StatusFailed:  1,
	}, stats)
}

func TestQueue_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	require.NoError(t, repo.Append(ctx, testEntry(1)))

	two := 2
	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusSyncing, nil))
	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusFailed, &two))

	// nil keeps the counter.
	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusSyncing, nil))
	got, err := repo.Get(ctx, "entry-01")
	require.NoError(t, err)
	require.Equal(t, model.StatusSyncing, got.Status)
	require.Equal(t, 2, got.RetryCount)

	one := 1
	require.ErrorIs(t, repo.UpdateStatus(ctx, "entry-01", model.StatusFailed, &one), ErrRetryCountDecrease)
	require.ErrorIs(t, repo.UpdateStatus(ctx, "missing", model.StatusSynced, nil), ErrNotFound)
	require.ErrorIs(t, repo.UpdateStatus(ctx, "entry-01", "archived", nil), model.ErrInvalidStatus)
}

func TestQueue_UpdateStatusFollowsTransitionTable(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	require.NoError(t, repo.Append(ctx, testEntry(1)))

	tests := []struct {
		to   model.Status
		want error
	}{
		{model.StatusSynced, model.ErrInvalidTransition},  // pending -> synced skips syncing
		{model.StatusFailed, model.ErrInvalidTransition},  // pending -> failed
		{model.StatusSyncing, nil},                        // start
		{model.StatusSynced, nil},                         // succeed
		{model.StatusPending, model.ErrInvalidTransition}, // synced is terminal
		{model.StatusSyncing, model.ErrInvalidTransition},
	}
	for _, tt := range tests {
		err := repo.UpdateStatus(ctx, "entry-01", tt.to, nil)
		if tt.want == nil {
			require.NoError(t, err, "-> %s", tt.to)
			continue
		}
		require.ErrorIs(t, err, tt.want, "-> %s", tt.to)
	}

	got, err := repo.Get(ctx, "entry-01")
	require.NoError(t, err)
	require.Equal(t, model.StatusSynced, got.Status)
}

func TestQueue_MarkFailedAndResetForRetry(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	require.NoError(t, repo.Append(ctx, testEntry(1)))

	// only a syncing entry can fail
	require.ErrorIs(t, repo.MarkFailed(ctx, FailureUpdate{ID: "entry-01", LastError: "503"}), model.ErrInvalidTransition)
	require.ErrorIs(t, repo.MarkFailed(ctx, FailureUpdate{ID: "missing"}), ErrNotFound)

	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusSyncing, nil))
	next := baseTime.Add(time.Minute)
	require.NoError(t, repo.MarkFailed(ctx, FailureUpdate{
		ID:              "entry-01",
		Permanent:       true,
		RetryCount:      3,
		LastError:       "422 unprocessable",
		NextAttemptAt:   &next,
		NeedsResolution: true,
	}))

	got, err := repo.Get(ctx, "entry-01")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.True(t, got.NeedsResolution)
	require.NotNil(t, got.NextAttemptAt)
	require.True(t, next.Equal(*got.NextAttemptAt))

	require.NoError(t, repo.ResetForRetry(ctx, "entry-01"))
	got, err = repo.Get(ctx, "entry-01")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.False(t, got.NeedsResolution)
	require.Nil(t, got.NextAttemptAt)
	require.Empty(t, got.LastError)

	// Only failed entries can be reset.
	require.ErrorIs(t, repo.ResetForRetry(ctx, "entry-01"), model.ErrInvalidTransition)
	require.ErrorIs(t, repo.ResetForRetry(ctx, "missing"), ErrNotFound)
}

func TestQueue_ResetSyncing(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}
	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusSyncing, nil))
	require.NoError(t, repo.UpdateStatus(ctx, "entry-03", model.StatusSyncing, nil))

	n, err := repo.ResetSyncing(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entry-01", "entry-02", "entry-03"}, ids(pending))
}

func TestQueue_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	require.NoError(t, repo.Append(ctx, testEntry(1)))

	require.NoError(t, repo.Remove(ctx, "entry-01"))
	require.NoError(t, repo.Remove(ctx, "entry-01"))
	_, err := repo.Get(ctx, "entry-01")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ReplaceAll(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}

	t.Run("swaps content in given order", func(t *testing.T) {
		next := []model.QueueEntry{testEntry(9), testEntry(7)}
		next[1].Status = model.StatusFailed
		next[1].RetryCount = 4
		require.NoError(t, repo.ReplaceAll(ctx, next))

		all, err := repo.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, next, all)
	})

	t.Run("invalid batch leaves store untouched", func(t *testing.T) {
		bad := []model.QueueEntry{testEntry(1), testEntry(2)}
		bad[1].Collection = ""
		require.ErrorIs(t, repo.ReplaceAll(ctx, bad), model.ErrCollectionRequired)

		dup := []model.QueueEntry{testEntry(1), testEntry(1)}
		require.ErrorIs(t, repo.ReplaceAll(ctx, dup), ErrDuplicateID)

		all, err := repo.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"entry-09", "entry-07"}, ids(all))
	})

	t.Run("empty batch clears", func(t *testing.T) {
		require.NoError(t, repo.ReplaceAll(ctx, nil))
		n, err := repo.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestQueue_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)

	var changes atomic.Int32
	repo.OnChange(func() { changes.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, repo.Append(ctx, testEntry(i)))
		}(i)
	}
	wg.Wait()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.EqualValues(t, 20, changes.Load())
}

func TestQueue_DiscardRefusesSyncing(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	for i := 1; i <= 2; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}
	require.NoError(t, repo.UpdateStatus(ctx, "entry-01", model.StatusSyncing, nil))

	_, err := repo.Discard(ctx, "entry-01")
	require.ErrorIs(t, err, ErrEntryInFlight)

	was, err := repo.Discard(ctx, "entry-02")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, was)

	_, err = repo.Discard(ctx, "entry-02")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entry-01"}, ids(all))
}

func TestQueue_DiscardRacesWithSync(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestQueue(t)
	const n = 20
	for i := 1; i <= n; i++ {
		require.NoError(t, repo.Append(ctx, testEntry(i)))
	}

	var wg sync.WaitGroup
	started := make([]bool, n+1)
	discarded := make([]bool, n+1)
	for i := 1; i <= n; i++ {
		id := testEntry(i).ID
		wg.Add(2)
		go func() {
			defer wg.Done()
			started[i] = repo.UpdateStatus(ctx, id, model.StatusSyncing, nil) == nil
		}()
		go func() {
			defer wg.Done()
			_, err := repo.Discard(ctx, id)
			discarded[i] = err == nil
		}()
	}
	wg.Wait()

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	left := make(map[string]model.Status, len(all))
	for _, e := range all {
		left[e.ID] = e.Status
	}
	for i := 1; i <= n; i++ {
		id := testEntry(i).ID
		// exactly one side wins; a discarded entry never ends up syncing
		require.NotEqual(t, started[i], discarded[i], id)
		if discarded[i] {
			require.NotContains(t, left, id)
		} else {
			require.Equal(t, model.StatusSyncing, left[id])
		}
	}
}
