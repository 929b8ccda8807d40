// Package worker runs job units on a bounded pool and reports exactly one
// outcome per work item.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/metrics"
	"github.com/JakeFAU/pricing-webhooks/internal/retry"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Runner executes one work item. Implementations must return an Outcome on
// every path; the pool still guards against panics.
type Runner interface {
	Run(ctx context.Context, item webhook.WorkItem) webhook.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, item webhook.WorkItem) webhook.Outcome

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, item webhook.WorkItem) webhook.Outcome {
	return f(ctx, item)
}

// Config controls pool behavior.
type Config struct {
	Concurrency int
	JobTimeout  time.Duration
	// MaxAttempts bounds soft-failure retries per item.
	MaxAttempts int
	Backoff     retry.Policy
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
}

// Pool owns the queue consumers.
type Pool struct {
	queue    webhook.Queue
	runner   Runner
	reporter webhook.Reporter
	cfg      Config
	policy   retry.Policy
	logger   *zap.Logger

	active    atomic.Int64
	completed atomic.Int64
}

// NewPool constructs a Pool. Outcomes are delivered to reporter.
func NewPool(queue webhook.Queue, runner Runner, reporter webhook.Reporter, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	policy := cfg.Backoff
	policy.MaxAttempts = cfg.MaxAttempts
	return &Pool{
		queue:    queue,
		runner:   runner,
		reporter: reporter,
		cfg:      cfg,
		policy:   policy,
		logger:   logger.Named("worker"),
	}
}

// Submit enqueues item without blocking. A full queue returns
// webhook.ErrPoolSaturated.
func (p *Pool) Submit(item webhook.WorkItem) error {
	err := p.queue.TryEnqueue(item)
	metrics.SetQueueDepth(p.queue.Len())
	return err
}

// SubmitWait enqueues item, waiting up to wait for queue space. A full queue
// after the wait returns webhook.ErrPoolSaturated.
func (p *Pool) SubmitWait(ctx context.Context, item webhook.WorkItem, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	err := p.queue.Enqueue(ctx, item)
	metrics.SetQueueDepth(p.queue.Len())
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("enqueue %s/%s after %s: %w", item.EventID, item.ResourceID, wait, webhook.ErrPoolSaturated)
	}
	return err
}

// Run starts the workers and blocks until ctx ends and every in-flight item
// has been reported.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.cfg.Concurrency {
		w := &Worker{id: i, pool: p, logger: p.logger.With(zap.Int("worker", i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Stats reports queue and execution counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Concurrency,
		Pending:   p.queue.Len(),
		Capacity:  p.queue.Cap(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
	}
}
