package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/treesync/internal/kafka"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
)

type scriptedSource struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (s *scriptedSource) Fetch(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func (s *scriptedSource) Commit(_ context.Context, m kafka.Message) error {
	s.committed = append(s.committed, m.Offset)
	return nil
}

func TestIngest_EnqueuesAndSkipsPoison(t *testing.T) {
	h := newHarness(t)
	svc := queue.New(h.store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"action":"create","collection":"persons","documentId":"p-1","metadata":{"displayName":"Ada"}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"action":"merge","collection":"persons","documentId":"p-2"}`)},
		{Offset: 4, Key: []byte("fixed-id"), Value: []byte(`{"action":"update","collection":"persons","documentId":"p-3"}`)},
		{Offset: 5, Key: []byte("fixed-id"), Value: []byte(`{"action":"update","collection":"persons","documentId":"p-3"}`)},
	}}

	require.NoError(t, NewIngest(src, svc, nil).Run(ctx))
	require.Equal(t, []int64{1, 2, 3, 4, 5}, src.committed)

	all, err := h.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "p-1", all[0].DocumentID)
	require.Equal(t, "fixed-id", all[1].ID)
	require.Equal(t, model.ActionUpdate, all[1].Action)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, model.Mutation) (model.QueueEntry, error) {
	return model.QueueEntry{}, errors.New("disk full")
}

func TestIngest_StoreFailureStopsWithoutCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{cancel: cancel, msgs: []kafka.Message{
		{Offset: 7, Value: []byte(`{"action":"create","collection":"persons","documentId":"p-1"}`)},
	}}

	err := NewIngest(src, failingQueue{}, nil).Run(ctx)
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, src.committed)
	require.NotErrorIs(t, err, repository.ErrDuplicateID)
}
