package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/metrics"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Worker consumes queue items and executes them with the pool's runner.
type Worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

// Run blocks, consuming queue items until ctx ends or the queue closes.
// Items already dequeued run to completion on a context detached from ctx so
// shutdown never loses an outcome.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.pool.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, webhook.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(w.pool.queue.Len())
		w.logger.Debug("dequeued work item",
			zap.String("event_id", item.EventID),
			zap.String("resource_id", item.ResourceID),
		)
		w.process(context.WithoutCancel(ctx), item)
	}
}

func (w *Worker) process(ctx context.Context, item webhook.WorkItem) {
	p := w.pool
	start := time.Now()
	p.active.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		p.active.Add(-1)
		metrics.DecActiveWorkers()
	}()

	var out webhook.Outcome
	attempts := 0
	err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		out = w.runOnce(ctx, item)
		if out.Result == webhook.ResultSoftFailure {
			return fmt.Errorf("%w: %s", webhook.ErrJobExecution, out.Error)
		}
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		w.logger.Warn("job attempt failed; retrying",
			zap.String("event_id", item.EventID),
			zap.String("resource_id", item.ResourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err != nil && out.Result == webhook.ResultSoftFailure {
		out.Result = webhook.ResultHardFailure
		out.Error = fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, out.Error)
	}
	out.EventID = item.EventID
	out.ResourceID = item.ResourceID
	out.Attempts = attempts

	p.completed.Add(1)
	metrics.ObserveJob(string(out.Result), attempts, time.Since(start))
	w.report(ctx, out)
}

// runOnce executes a single attempt under the job timeout and converts panics
// into hard failures.
func (w *Worker) runOnce(ctx context.Context, item webhook.WorkItem) (out webhook.Outcome) {
	jobCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job unit panicked",
				zap.String("event_id", item.EventID),
				zap.String("resource_id", item.ResourceID),
				zap.Any("panic", r),
			)
			out = webhook.Outcome{
				EventID:    item.EventID,
				ResourceID: item.ResourceID,
				Result:     webhook.ResultHardFailure,
				Error:      fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	out = w.pool.runner.Run(jobCtx, item)
	switch {
	case out.Result == "":
		out.Result = webhook.ResultHardFailure
		out.Error = "job unit returned no result"
	case out.Result != webhook.ResultSuccess && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		out.Result = webhook.ResultSoftFailure
		out.Error = fmt.Sprintf("job timeout after %s", w.pool.cfg.JobTimeout)
	}
	return out
}

func (w *Worker) report(ctx context.Context, out webhook.Outcome) {
	if w.pool.reporter == nil {
		return
	}
	err := w.pool.reporter.ReportOutcome(ctx, out)
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrRegistrationRace):
		w.logger.Debug("outcome buffered ahead of registration", zap.String("event_id", out.EventID))
	default:
		w.logger.Warn("report outcome failed",
			zap.String("event_id", out.EventID),
			zap.String("resource_id", out.ResourceID),
			zap.String("result", string(out.Result)),
			zap.Error(err),
		)
	}
}
