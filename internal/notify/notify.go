// Package notify fans sync outcomes out to feedback sinks (logs, Kafka, history store).
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/model"
)

// Notifier receives per-entry outcomes and per-cycle summaries.
// Implementations must be safe for concurrent use.
type Notifier interface {
	NotifyEntry(ctx context.Context, o model.EntryOutcome) error
	NotifyCycle(ctx context.Context, r model.CycleResult) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) NotifyEntry(context.Context, model.EntryOutcome) error { return nil }
func (Nop) NotifyCycle(context.Context, model.CycleResult) error  { return nil }

// Log writes outcomes to a zap logger.
type Log struct {
	log *zap.Logger
}

func NewLog(l *zap.Logger) *Log {
	return &Log{log: logger.OrNop(l)}
}

func (n *Log) NotifyEntry(_ context.Context, o model.EntryOutcome) error {
	fields := []zap.Field{
		zap.String("entry_id", o.EntryID),
		zap.String("collection", o.Collection),
		zap.String("document_id", o.DocumentID),
		zap.String("action", o.Action.String()),
		zap.String("outcome", string(o.Outcome)),
		zap.Int("retry_count", o.RetryCount),
	}
	switch o.Outcome {
	case model.OutcomeSynced:
		n.log.Info("entry synced", fields...)
	case model.OutcomeRetry:
		n.log.Warn("entry will retry", append(fields, zap.String("error", o.Error))...)
	default:
		n.log.Error("entry needs resolution", append(fields, zap.String("error", o.Error))...)
	}
	return nil
}

func (n *Log) NotifyCycle(_ context.Context, r model.CycleResult) error {
	if r.Idle() {
		n.log.Debug("drain cycle idle")
		return nil
	}
	n.log.Info("drain cycle finished",
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("retryable", r.Retryable),
		zap.Int("deferred", r.Deferred),
		zap.Int("blocked", r.Blocked),
		zap.Bool("offline", r.Offline),
		zap.Bool("coalesced", r.Coalesced),
		zap.Duration("took", r.Duration),
	)
	return nil
}

// Multi delivers to every sink and joins their errors.
type Multi []Notifier

func (m Multi) NotifyEntry(ctx context.Context, o model.EntryOutcome) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyEntry(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyCycle(ctx context.Context, r model.CycleResult) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyCycle(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Notifier for entry outcomes; cycle summaries are dropped.
type Func func(ctx context.Context, o model.EntryOutcome) error

func (f Func) NotifyEntry(ctx context.Context, o model.EntryOutcome) error { return f(ctx, o) }
func (f Func) NotifyCycle(context.Context, model.CycleResult) error        { return nil }

var (
	_ Notifier = Nop{}
	_ Notifier = (*Log)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = Func(nil)
)
