package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/treesync/internal/dispatcher"
	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/metrics"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/notify"
	"github.com/jmehdipour/treesync/internal/repository"
)

// Store is the part of the queue repository the engine drives.
type Store interface {
	ListPending(ctx context.Context) ([]model.QueueEntry, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, retryCount *int) error
	MarkFailed(ctx context.Context, u repository.FailureUpdate) error
	Remove(ctx context.Context, id string) error
	ResetSyncing(ctx context.Context) (int64, error)
}

// Connectivity is the online signal the engine reacts to.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan struct{}, func())
}

// SyncEngine replays queued mutations against the remote service.
//
// A drain cycle groups eligible entries by document. Groups run concurrently
// up to the configured limit; entries inside a group run one at a time in
// timestamp order and the group stops at the first entry that did not sync.
type SyncEngine struct {
	store    Store
	remote   dispatcher.Remote
	online   Connectivity
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
	lock     *flock.Flock

	concurrency  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	maxRetries   int
	entryTimeout time.Duration
	interval     time.Duration

	running atomic.Bool
}

type Option func(*SyncEngine)

func WithConcurrency(n int) Option {
	return func(e *SyncEngine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(e *SyncEngine) {
		if base > 0 {
			e.backoffBase = base
		}
		if max >= e.backoffBase {
			e.backoffMax = max
		}
	}
}

// WithMaxRetries parks an entry for manual resolution after n transient failures. 0 retries forever.
func WithMaxRetries(n int) Option {
	return func(e *SyncEngine) { e.maxRetries = n }
}

func WithEntryTimeout(d time.Duration) Option {
	return func(e *SyncEngine) { e.entryTimeout = d }
}

// WithInterval sets the periodic drain while online. 0 disables the timer.
func WithInterval(d time.Duration) Option {
	return func(e *SyncEngine) { e.interval = d }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *SyncEngine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *SyncEngine) { e.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) { e.now = now }
}

// WithLockFile guards drain cycles across processes sharing one store.
func WithLockFile(path string) Option {
	return func(e *SyncEngine) {
		if path != "" {
			e.lock = flock.New(path)
		}
	}
}

func NewSyncEngine(store Store, remote dispatcher.Remote, online Connectivity, opts ...Option) *SyncEngine {
	e := &SyncEngine{
		store:        store,
		remote:       remote,
		online:       online,
		notifier:     notify.Nop{},
		log:          zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
		concurrency:  4,
		backoffBase:  time.Second,
		backoffMax:   5 * time.Minute,
		entryTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backoff returns the wait after the retry-th transient failure:
// base * 2^(retry-1), capped at max.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if retry < 1 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Recover returns entries left in syncing by a crash or teardown to pending.
func (e *SyncEngine) Recover(ctx context.Context) error {
	n, err := e.store.ResetSyncing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Warn("recovered in-flight entries", zap.Int64("count", n))
	}
	return nil
}

// Run drains on every resume event, and on the timer while online, until ctx is done.
func (e *SyncEngine) Run(ctx context.Context) error {
	resume, unsubscribe := e.online.Subscribe()
	defer unsubscribe()

	if err := e.Recover(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if e.interval > 0 {
		t := time.NewTicker(e.interval)
		defer t.Stop()
		tick = t.C
	}

	if e.online.IsOnline() {
		e.Drain(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resume:
			e.log.Info("connectivity resumed, draining queue")
			e.Drain(ctx)
		case <-tick:
			if e.online.IsOnline() {
				e.Drain(ctx)
			}
		}
	}
}

// Flush is a manual drain request. It does nothing while offline.
func (e *SyncEngine) Flush(ctx context.Context) model.CycleResult {
	if !e.online.IsOnline() {
		metrics.DrainCyclesTotal.WithLabelValues("offline").Inc()
		return model.CycleResult{StartedAt: e.now(), Offline: true}
	}
	return e.Drain(ctx)
}

// Drain runs one cycle. A request made while a cycle is active is coalesced.
// Per-entry errors are recorded on the entries, never returned.
func (e *SyncEngine) Drain(ctx context.Context) model.CycleResult {
	start := e.now()
	res := model.CycleResult{StartedAt: start}

	if !e.running.CompareAndSwap(false, true) {
		res.Coalesced = true
		metrics.DrainCyclesTotal.WithLabelValues("coalesced").Inc()
		return res
	}
	defer e.running.Store(false)

	if e.lock != nil {
		locked, err := e.lock.TryLock()
		if err != nil {
			return e.finishWithError(ctx, res, err)
		}
		if !locked {
			res.Coalesced = true
			metrics.DrainCyclesTotal.WithLabelValues("coalesced").Inc()
			return res
		}
		defer func() { _ = e.lock.Unlock() }()
	}

	entries, err := e.store.ListPending(ctx)
	if err != nil {
		return e.finishWithError(ctx, res, err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, group := range groupByDocument(entries) {
		g.Go(func() error {
			t := e.drainGroup(ctx, group)
			mu.Lock()
			res.Succeeded += t.Succeeded
			res.Failed += t.Failed
			res.Retryable += t.Retryable
			res.Deferred += t.Deferred
			res.Blocked += t.Blocked
			res.Skipped += t.Skipped
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = e.now().Sub(start)
	if res.Idle() {
		metrics.DrainCyclesTotal.WithLabelValues("idle").Inc()
	} else {
		metrics.DrainCyclesTotal.WithLabelValues("completed").Inc()
		if res.Attempted() > 0 {
			metrics.DrainDuration.Observe(res.Duration.Seconds())
		}
	}
	e.notifyCycle(ctx, res)
	return res
}

func (e *SyncEngine) finishWithError(ctx context.Context, res model.CycleResult, err error) model.CycleResult {
	e.log.Error("drain cycle aborted", zap.Error(err))
	res.Error = err.Error()
	res.Duration = e.now().Sub(res.StartedAt)
	metrics.DrainCyclesTotal.WithLabelValues("error").Inc()
	e.notifyCycle(ctx, res)
	return res
}

type entryResult int

const (
	resultSynced entryResult = iota
	resultRetry
	resultFailed
	// resultAborted means nothing was recorded; the entry is picked up again later.
	resultAborted
)

func (e *SyncEngine) drainGroup(ctx context.Context, group []model.QueueEntry) model.CycleResult {
	var t model.CycleResult
	now := e.now()

	for i, entry := range group {
		rest := len(group) - i
		switch {
		case ctx.Err() != nil:
			t.Skipped += rest
			return t
		case entry.NeedsResolution:
			t.Blocked += rest
			return t
		case !entry.Eligible(now):
			t.Deferred += rest
			return t
		}

		switch e.syncEntry(ctx, entry) {
		case resultSynced:
			t.Succeeded++
		case resultRetry:
			t.Failed++
			t.Retryable++
			t.Deferred += rest - 1
			return t
		case resultFailed:
			t.Failed++
			t.Blocked += rest - 1
			return t
		default:
			t.Skipped += rest
			return t
		}
	}
	return t
}

func (e *SyncEngine) syncEntry(ctx context.Context, entry model.QueueEntry) entryResult {
	log := e.log.With(
		zap.String("entry_id", entry.ID),
		zap.String("collection", entry.Collection),
		zap.String("document_id", entry.DocumentID),
		zap.String("action", entry.Action.String()),
	)

	syncing, err := model.Transition(entry.Status, model.EventStart)
	if err != nil {
		log.Error("entry not startable", zap.Error(err))
		return resultAborted
	}
	if err := e.store.UpdateStatus(ctx, entry.ID, syncing, nil); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("entry removed before sync")
		} else {
			log.Error("mark syncing failed", zap.Error(err))
		}
		return resultAborted
	}

	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if e.entryTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.entryTimeout)
	}
	applyErr := e.remote.Apply(callCtx, entry)
	cancel()

	// an answer from the remote is recorded even if ctx ends meanwhile
	record := context.WithoutCancel(ctx)
	if applyErr == nil {
		return e.onSuccess(record, log, entry)
	}
	if ctx.Err() != nil {
		// torn down mid-call; Recover returns it to pending on next start
		log.Warn("sync abandoned", zap.Error(applyErr))
		return resultAborted
	}
	if dispatcher.IsPermanent(applyErr) {
		return e.onPermanent(record, log, entry, applyErr)
	}
	return e.onTransient(record, log, entry, applyErr)
}

func (e *SyncEngine) onSuccess(ctx context.Context, log *zap.Logger, entry model.QueueEntry) entryResult {
	synced, _ := model.Transition(model.StatusSyncing, model.EventSucceed)
	if err := e.store.UpdateStatus(ctx, entry.ID, synced, nil); err != nil {
		log.Error("mark synced failed", zap.Error(err))
	}
	if err := e.store.Remove(ctx, entry.ID); err != nil {
		log.Error("remove synced entry failed", zap.Error(err))
	}

	metrics.EntriesTotal.WithLabelValues("synced", entry.Action.String()).Inc()
	e.notifyEntry(ctx, entry, model.OutcomeSynced, entry.RetryCount, "")
	return resultSynced
}

func (e *SyncEngine) onPermanent(ctx context.Context, log *zap.Logger, entry model.QueueEntry, cause error) entryResult {
	err := e.store.MarkFailed(ctx, repository.FailureUpdate{
		ID:              entry.ID,
		Permanent:       true,
		RetryCount:      entry.RetryCount,
		LastError:       cause.Error(),
		NeedsResolution: true,
	})
	if err != nil {
		log.Error("record permanent failure", zap.Error(err))
	}

	log.Warn("entry rejected by remote", zap.Error(cause))
	metrics.EntriesTotal.WithLabelValues("failed", entry.Action.String()).Inc()
	e.notifyEntry(ctx, entry, model.OutcomeFailed, entry.RetryCount, cause.Error())
	return resultFailed
}

func (e *SyncEngine) onTransient(ctx context.Context, log *zap.Logger, entry model.QueueEntry, cause error) entryResult {
	retry := entry.RetryCount + 1
	next := e.now().Add(Backoff(retry, e.backoffBase, e.backoffMax))
	exhausted := e.maxRetries > 0 && retry >= e.maxRetries

	err := e.store.MarkFailed(ctx, repository.FailureUpdate{
		ID:              entry.ID,
		RetryCount:      retry,
		LastError:       cause.Error(),
		NextAttemptAt:   &next,
		NeedsResolution: exhausted,
	})
	if err != nil {
		log.Error("record transient failure", zap.Error(err))
	}

	if exhausted {
		log.Warn("entry out of retries", zap.Int("retry_count", retry), zap.Error(cause))
		metrics.EntriesTotal.WithLabelValues("failed", entry.Action.String()).Inc()
		e.notifyEntry(ctx, entry, model.OutcomeFailed, retry, cause.Error())
		return resultFailed
	}

	log.Info("entry will retry", zap.Int("retry_count", retry), zap.Time("next_attempt_at", next), zap.Error(cause))
	metrics.EntriesTotal.WithLabelValues("retry", entry.Action.String()).Inc()
	e.notifyEntry(ctx, entry, model.OutcomeRetry, retry, cause.Error())
	return resultRetry
}

func (e *SyncEngine) notifyEntry(ctx context.Context, entry model.QueueEntry, outcome model.Outcome, retry int, errText string) {
	err := e.notifier.NotifyEntry(ctx, model.EntryOutcome{
		EntryID:     entry.ID,
		Collection:  entry.Collection,
		DocumentID:  entry.DocumentID,
		Action:      entry.Action,
		Outcome:     outcome,
		RetryCount:  retry,
		Error:       errText,
		DisplayName: entry.Metadata.DisplayName,
		At:          e.now(),
	})
	if err != nil {
		e.log.Warn("notify entry outcome", zap.String("entry_id", entry.ID), zap.Error(err))
	}
}

func (e *SyncEngine) notifyCycle(ctx context.Context, res model.CycleResult) {
	if err := e.notifier.NotifyCycle(ctx, res); err != nil {
		e.log.Warn("notify cycle result", zap.Error(err))
	}
}

// groupByDocument splits entries per collection/documentId. Groups keep the
// order of their first entry; each group is sorted by timestamp, ties in store order.
func groupByDocument(entries []model.QueueEntry) [][]model.QueueEntry {
	index := make(map[string]int)
	var groups [][]model.QueueEntry
	for _, entry := range entries {
		key := entry.DocumentKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].Timestamp.Before(group[b].Timestamp)
		})
	}
	return groups
}
