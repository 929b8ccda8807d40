package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/progress"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestStoreSinkCollapsesPerEvent(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, nil)
	now := time.Now()

	batch := []progress.Event{
		{EventID: "a", TS: now, Stage: progress.StageRegistered, Expected: 3},
		{EventID: "a", TS: now.Add(time.Second), Stage: progress.StageOutcome, Expected: 3, Completed: 1, Result: webhook.ResultSuccess},
		{EventID: "b", TS: now, Stage: progress.StageRegistered, Expected: 1},
		{EventID: "a", TS: now.Add(2 * time.Second), Stage: progress.StageOutcome, Expected: 3, Completed: 1, Failed: 1, Result: webhook.ResultHardFailure},
		{EventID: "b", TS: now, Stage: progress.StageOutcome, Expected: 1, Completed: 1, Result: webhook.ResultSuccess},
		{EventID: "b", TS: now, Stage: progress.StageFinalized, Expected: 1, Completed: 1, Status: webhook.StatusCompleted},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, webhook.Progress{EventID: "a", Expected: 3, Completed: 1, Failed: 1, At: now.Add(2 * time.Second)}, calls[0])
}

func TestStoreSinkIgnoresOutOfOrderCounters(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{EventID: "a", TS: now, Stage: progress.StageOutcome, Expected: 4, Completed: 2, Result: webhook.ResultSuccess},
		{EventID: "a", TS: now, Stage: progress.StageOutcome, Expected: 4, Completed: 1, Result: webhook.ResultSuccess},
	}))
	require.Equal(t, 2, rec.Calls()[0].Completed)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{err: errors.New("db down")}
	sink := NewStoreSink(rec, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{EventID: "a", TS: time.Now(), Stage: progress.StageRegistered, Expected: 1},
	})
	require.ErrorContains(t, err, "db down")

	rec = &fakeRecorder{err: webhook.ErrNotFound}
	sink = NewStoreSink(rec, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{EventID: "gone", TS: time.Now(), Stage: progress.StageRegistered, Expected: 1},
	}))
}

type fakeRecorder struct {
	mu    sync.Mutex
	err   error
	calls []webhook.Progress
}

func (f *fakeRecorder) RecordProgress(_ context.Context, p webhook.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, p)
	return nil
}

func (f *fakeRecorder) Calls() []webhook.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webhook.Progress(nil), f.calls...)
}
