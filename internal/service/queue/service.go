package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/metrics"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/util"
)

var (
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrEntryInFlight   = repository.ErrEntryInFlight
)

// Service is the application-facing side of the offline queue: it turns
// writes into queue entries and exposes manual resolution.
type Service struct {
	store repository.QueueRepository
	log   *zap.Logger
	now   func() time.Time
}

func New(store repository.QueueRepository, log *zap.Logger) *Service {
	return &Service{
		store: store,
		log:   logger.OrNop(log),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue records m as a pending entry. A mutation without an id gets a ULID.
func (s *Service) Enqueue(ctx context.Context, m model.Mutation) (model.QueueEntry, error) {
	if err := m.Validate(); err != nil {
		return model.QueueEntry{}, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}

	now := s.now()
	id := m.ID
	if id == "" {
		id = util.NewAt(now)
	}
	entry := model.QueueEntry{
		ID:         id,
		Action:     m.Action,
		Collection: m.Collection,
		DocumentID: m.DocumentID,
		Timestamp:  now,
		Status:     model.StatusPending,
		Metadata:   m.Metadata,
		Data:       m.Data,
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return model.QueueEntry{}, err
	}

	metrics.EntriesTotal.WithLabelValues("queued", entry.Action.String()).Inc()
	s.log.Debug("entry queued",
		zap.String("entry_id", entry.ID),
		zap.String("collection", entry.Collection),
		zap.String("document_id", entry.DocumentID),
		zap.String("action", entry.Action.String()),
	)
	return entry, nil
}

// Retry releases a failed entry for the next drain cycle.
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.store.ResetForRetry(ctx, id); err != nil {
		return err
	}
	s.log.Info("entry released for retry", zap.String("entry_id", id))
	return nil
}

// Discard drops an entry the user gave up on. In-flight entries cannot be discarded.
func (s *Service) Discard(ctx context.Context, id string) error {
	was, err := s.store.Discard(ctx, id)
	if err != nil {
		return err
	}
	s.log.Warn("entry discarded",
		zap.String("entry_id", id),
		zap.String("status", was.String()),
	)
	return nil
}

// List returns entries in store order, optionally narrowed to one status.
func (s *Service) List(ctx context.Context, status model.Status) ([]model.QueueEntry, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	out := all[:0]
	for _, e := range all {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context) (map[model.Status]int, error) {
	return s.store.Stats(ctx)
}
