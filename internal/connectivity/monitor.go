// Package connectivity tracks whether the remote service is reachable and
// whether the local queue still holds unsynced writes.
package connectivity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/metrics"
)

// Counter reports how many entries the queue holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Status is the snapshot exposed to the UI.
type Status struct {
	IsOnline         bool `json:"isOnline"`
	HasPendingWrites bool `json:"hasPendingWrites"`
	PendingCount     int  `json:"pendingCount"`
}

// Monitor holds the online flag and pending-write state and emits a resume
// event on every offline -> online transition.
type Monitor struct {
	store Counter
	log   *zap.Logger

	mu      sync.RWMutex
	online  bool
	pending int
	subs    map[int]chan struct{}
	nextSub int
}

func NewMonitor(store Counter, online bool, log *zap.Logger) *Monitor {
	m := &Monitor{
		store:  store,
		log:    logger.OrNop(log),
		online: online,
		subs:   make(map[int]chan struct{}),
	}
	metrics.Online.Set(boolGauge(online))
	return m
}

// Set records a connectivity signal. Repeated values are ignored.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var resume []chan struct{}
	if online {
		for _, ch := range m.subs {
			resume = append(resume, ch)
		}
	}
	m.mu.Unlock()

	metrics.Online.Set(boolGauge(online))
	m.log.Info("connectivity changed", zap.Bool("online", online))

	for _, ch := range resume {
		// buffer of one: a resume already waiting covers this one too
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Refresh recomputes the pending-write state from the store.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	n, err := m.store.Count(ctx)
	if err != nil {
		m.log.Warn("pending count failed", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
	metrics.PendingEntries.Set(float64(n))
	return nil
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		IsOnline:         m.online,
		HasPendingWrites: m.pending > 0,
		PendingCount:     m.pending,
	}
}

// Subscribe returns a channel receiving resume events and a cancel func.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Source pushes connectivity signals until ctx is done.
type Source interface {
	Run(ctx context.Context, report func(online bool)) error
}

// Watch feeds src into the monitor. It blocks until src returns.
func (m *Monitor) Watch(ctx context.Context, src Source) error {
	return src.Run(ctx, m.Set)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
