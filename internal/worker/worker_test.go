package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/queue/memory"
	"github.com/JakeFAU/pricing-webhooks/internal/retry"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestPoolRetriesSoftFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := RunnerFunc(func(_ context.Context, item webhook.WorkItem) webhook.Outcome {
		if calls.Add(1) < 3 {
			return webhook.Outcome{Result: webhook.ResultSoftFailure, Error: "transient"}
		}
		return webhook.Outcome{Result: webhook.ResultSuccess}
	})
	reporter := &fakeReporter{}
	pool, stop := startPool(t, runner, reporter, 3)
	defer stop()

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "a"}))
	require.Eventually(t, func() bool { return len(reporter.Outcomes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	out := reporter.Outcomes()[0]
	require.Equal(t, webhook.ResultSuccess, out.Result)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, "evt", out.EventID)
	require.Equal(t, "a", out.ResourceID)
}

func TestPoolExhaustionBecomesHardFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, webhook.WorkItem) webhook.Outcome {
		calls.Add(1)
		return webhook.Outcome{Result: webhook.ResultSoftFailure, Error: "ftp timeout"}
	})
	reporter := &fakeReporter{}
	pool, stop := startPool(t, runner, reporter, 2)
	defer stop()

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "a"}))
	require.Eventually(t, func() bool { return len(reporter.Outcomes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	out := reporter.Outcomes()[0]
	require.Equal(t, webhook.ResultHardFailure, out.Result)
	require.Contains(t, out.Error, "retries exhausted after 2 attempts")
	require.Equal(t, int32(2), calls.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	runner := RunnerFunc(func(_ context.Context, item webhook.WorkItem) webhook.Outcome {
		if item.ResourceID == "boom" {
			panic("nil map write")
		}
		return webhook.Outcome{Result: webhook.ResultSuccess}
	})
	reporter := &fakeReporter{}
	pool, stop := startPool(t, runner, reporter, 3)
	defer stop()

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "boom"}))
	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "fine"}))
	require.Eventually(t, func() bool { return len(reporter.Outcomes()) == 2 }, 2*time.Second, 5*time.Millisecond)

	byResource := map[string]webhook.Outcome{}
	for _, o := range reporter.Outcomes() {
		byResource[o.ResourceID] = o
	}
	require.Equal(t, webhook.ResultHardFailure, byResource["boom"].Result)
	require.Contains(t, byResource["boom"].Error, "panic: nil map write")
	require.Equal(t, 1, byResource["boom"].Attempts)
	require.Equal(t, webhook.ResultSuccess, byResource["fine"].Result)
}

func TestPoolEnforcesJobTimeout(t *testing.T) {
	t.Parallel()

	runner := RunnerFunc(func(ctx context.Context, _ webhook.WorkItem) webhook.Outcome {
		<-ctx.Done()
		return webhook.Outcome{Result: webhook.ResultHardFailure, Error: ctx.Err().Error()}
	})
	reporter := &fakeReporter{}
	q := memory.NewQueue(4)
	pool := NewPool(q, runner, reporter, Config{
		Concurrency: 1,
		JobTimeout:  10 * time.Millisecond,
		MaxAttempts: 2,
		Backoff:     retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "slow"}))
	require.Eventually(t, func() bool { return len(reporter.Outcomes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	out := reporter.Outcomes()[0]
	require.Equal(t, webhook.ResultHardFailure, out.Result)
	require.Contains(t, out.Error, "job timeout")
	require.Equal(t, 2, out.Attempts)
}

func TestPoolSubmitSaturates(t *testing.T) {
	t.Parallel()

	pool := NewPool(memory.NewQueue(1), RunnerFunc(nil), &fakeReporter{}, Config{}, nil)
	require.NoError(t, pool.Submit(webhook.WorkItem{ResourceID: "a"}))
	require.ErrorIs(t, pool.Submit(webhook.WorkItem{ResourceID: "b"}), webhook.ErrPoolSaturated)

	stats := pool.Stats()
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Capacity)
	require.Equal(t, 4, stats.Workers)
	require.Zero(t, stats.Active)
}

func TestPoolSubmitWaitBlocksForSpace(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	pool := NewPool(q, RunnerFunc(nil), &fakeReporter{}, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, pool.Submit(webhook.WorkItem{ResourceID: "a"}))

	err := pool.SubmitWait(ctx, webhook.WorkItem{ResourceID: "b"}, 10*time.Millisecond)
	require.ErrorIs(t, err, webhook.ErrPoolSaturated)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Dequeue(ctx)
	}()
	require.NoError(t, pool.SubmitWait(ctx, webhook.WorkItem{ResourceID: "c"}, 5*time.Second))
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", item.ResourceID)
}

func TestPoolStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	reporter := &fakeReporter{}
	pool := NewPool(q, RunnerFunc(func(context.Context, webhook.WorkItem) webhook.Outcome {
		return webhook.Outcome{Result: webhook.ResultSuccess}
	}), reporter, Config{Concurrency: 2}, nil)

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "a"}))
	q.Close()

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after queue close")
	}
	require.Len(t, reporter.Outcomes(), 1)
	require.Equal(t, int64(1), pool.Stats().Completed)
}

func TestReportErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	reporter := &fakeReporter{err: errors.New("late")}
	pool, stop := startPool(t, RunnerFunc(func(context.Context, webhook.WorkItem) webhook.Outcome {
		return webhook.Outcome{Result: webhook.ResultSuccess}
	}), reporter, 1)
	defer stop()

	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "a"}))
	require.NoError(t, pool.Submit(webhook.WorkItem{EventID: "evt", ResourceID: "b"}))
	require.Eventually(t, func() bool { return len(reporter.Outcomes()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func startPool(t *testing.T, runner Runner, reporter webhook.Reporter, attempts int) (*Pool, func()) {
	t.Helper()
	pool := NewPool(memory.NewQueue(8), runner, reporter, Config{
		Concurrency: 2,
		JobTimeout:  time.Second,
		MaxAttempts: attempts,
		Backoff:     retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	return pool, func() {
		cancel()
		<-done
	}
}

type fakeReporter struct {
	mu       sync.Mutex
	err      error
	outcomes []webhook.Outcome
}

func (f *fakeReporter) ReportOutcome(_ context.Context, o webhook.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return f.err
}

func (f *fakeReporter) Outcomes() []webhook.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webhook.Outcome(nil), f.outcomes...)
}
