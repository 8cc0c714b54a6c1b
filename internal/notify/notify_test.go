package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jmehdipour/treesync/internal/model"
)

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var got []string
	boom := errors.New("boom")

	m := Multi{
		Func(func(_ context.Context, o model.EntryOutcome) error {
			got = append(got, "a:"+o.EntryID)
			return boom
		}),
		nil,
		Func(func(_ context.Context, o model.EntryOutcome) error {
			got = append(got, "b:"+o.EntryID)
			return nil
		}),
	}

	err := m.NotifyEntry(context.Background(), model.EntryOutcome{EntryID: "e1"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a:e1", "b:e1"}, got)
	require.NoError(t, m.NotifyCycle(context.Background(), model.CycleResult{}))
}

func TestLog_LevelsByOutcome(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := NewLog(zap.New(core))
	ctx := context.Background()

	require.NoError(t, n.NotifyEntry(ctx, model.EntryOutcome{EntryID: "1", Outcome: model.OutcomeSynced}))
	require.NoError(t, n.NotifyEntry(ctx, model.EntryOutcome{EntryID: "2", Outcome: model.OutcomeRetry, Error: "timeout"}))
	require.NoError(t, n.NotifyEntry(ctx, model.EntryOutcome{EntryID: "3", Outcome: model.OutcomeFailed, Error: "409"}))
	require.NoError(t, n.NotifyCycle(ctx, model.CycleResult{Succeeded: 1, Failed: 2}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, zap.ErrorLevel, entries[2].Level)
	require.Equal(t, "drain cycle finished", entries[3].Message)
}
