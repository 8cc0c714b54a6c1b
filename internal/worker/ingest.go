package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/kafka"
	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
)

// Enqueuer accepts application mutations into the offline queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m model.Mutation) (model.QueueEntry, error)
}

// MessageSource is the subset of kafka.Consumer the ingest loop uses.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Ingest moves mutations from a Kafka topic into the queue.
//
// Malformed messages and duplicate ids are committed and skipped. A store
// failure stops the loop without committing, so the message is redelivered
// after restart.
type Ingest struct {
	Source MessageSource
	Queue  Enqueuer
	Log    *zap.Logger
}

func NewIngest(src MessageSource, q Enqueuer, log *zap.Logger) *Ingest {
	return &Ingest{Source: src, Queue: q, Log: logger.OrNop(log)}
}

// Run blocks until ctx is cancelled or the store fails.
func (w *Ingest) Run(ctx context.Context) error {
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := w.processOne(ctx, m); err != nil {
			return err
		}
	}
}

func (w *Ingest) processOne(ctx context.Context, m kafka.Message) error {
	var mut model.Mutation
	if err := json.Unmarshal(m.Value, &mut); err != nil {
		w.Log.Warn("skipping malformed mutation",
			zap.Int64("offset", m.Offset), zap.Int("partition", m.Partition), zap.Error(err))
		return w.commit(ctx, m)
	}
	if mut.ID == "" && len(m.Key) > 0 {
		mut.ID = string(m.Key)
	}

	entry, err := w.Queue.Enqueue(ctx, mut)
	switch {
	case err == nil:
		w.Log.Debug("mutation ingested", zap.String("entry_id", entry.ID), zap.Int64("offset", m.Offset))
	case errors.Is(err, queue.ErrInvalidMutation):
		w.Log.Warn("skipping invalid mutation", zap.Int64("offset", m.Offset), zap.Error(err))
	case errors.Is(err, repository.ErrDuplicateID):
		w.Log.Info("mutation already queued", zap.String("entry_id", mut.ID))
	default:
		return fmt.Errorf("enqueue offset %d: %w", m.Offset, err)
	}
	return w.commit(ctx, m)
}

func (w *Ingest) commit(ctx context.Context, m kafka.Message) error {
	if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
		w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return nil
}
