// Package dispatcher turns inbound webhook events into registered batches of
// work items and hands them to the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/metrics"
	"github.com/JakeFAU/pricing-webhooks/internal/retry"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// ReasonRegistrationFailed is the failure_reason of events whose batch could
// not be registered after the record was created.
const ReasonRegistrationFailed = "registration failed"

// Registrar is the slice of the tracker the dispatcher drives.
type Registrar interface {
	RegisterBatch(ctx context.Context, eventID string, expected int) error
	ReportOutcome(ctx context.Context, outcome webhook.Outcome) error
}

// Submitter accepts work items without blocking, or with a bounded wait.
type Submitter interface {
	Submit(item webhook.WorkItem) error
	SubmitWait(ctx context.Context, item webhook.WorkItem, wait time.Duration) error
}

// Config controls submission retries.
type Config struct {
	// SubmitAttempts bounds retries while the pool is saturated.
	SubmitAttempts int
	Backoff        retry.Policy
	// MaxResources caps the batch size of a single event. Zero means no cap.
	MaxResources int
	// FinalWait is a last blocking wait for queue space once the retries are
	// spent. Zero skips it.
	FinalWait time.Duration
}

// Dispatcher accepts events and fans them out.
type Dispatcher struct {
	store   webhook.EventStore
	tracker Registrar
	pool    Submitter
	ids     webhook.IDGenerator
	clock   webhook.Clock
	cfg     Config
	policy  retry.Policy
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New creates a Dispatcher.
func New(
	store webhook.EventStore,
	tracker Registrar,
	pool Submitter,
	ids webhook.IDGenerator,
	clock webhook.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 5
	}
	policy := cfg.Backoff
	policy.MaxAttempts = cfg.SubmitAttempts
	return &Dispatcher{
		store:   store,
		tracker: tracker,
		pool:    pool,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		policy:  policy,
		logger:  logger.Named("dispatcher"),
	}
}

// HandleEvent validates payload, persists the event, registers its batch and
// submits the work items in the background. It returns the event id as soon
// as the batch is registered. A redelivered event id returns the existing id
// with webhook.ErrDuplicateEvent and dispatches nothing.
func (d *Dispatcher) HandleEvent(ctx context.Context, payload webhook.Payload) (string, error) {
	resources, err := d.validate(payload)
	if err != nil {
		metrics.ObserveEvent(metrics.EventMalformed)
		return "", err
	}

	eventID := strings.TrimSpace(payload.EventID)
	if eventID == "" {
		if eventID, err = d.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate event id: %w", err)
		}
	}

	event := webhook.Event{
		ID:         eventID,
		EventType:  strings.TrimSpace(payload.EventType),
		Provider:   strings.TrimSpace(payload.Provider),
		Status:     webhook.StatusReceived,
		Expected:   len(resources),
		Metadata:   payload.Metadata,
		ReceivedAt: d.clock.Now(),
	}
	if err := d.store.CreateEvent(ctx, event); err != nil {
		if errors.Is(err, webhook.ErrAlreadyExists) {
			metrics.ObserveEvent(metrics.EventDuplicate)
			d.logger.Info("duplicate event delivery ignored", zap.String("event_id", eventID))
			return eventID, fmt.Errorf("event %s: %w", eventID, webhook.ErrDuplicateEvent)
		}
		metrics.ObserveEvent(metrics.EventRejected)
		return "", fmt.Errorf("create event: %w", err)
	}

	if err := d.tracker.RegisterBatch(ctx, eventID, len(resources)); err != nil {
		metrics.ObserveEvent(metrics.EventRejected)
		d.abandon(ctx, event, err)
		return "", fmt.Errorf("register batch: %w", err)
	}
	metrics.ObserveEvent(metrics.EventAccepted)

	items := make([]webhook.WorkItem, len(resources))
	for i, res := range resources {
		items[i] = webhook.WorkItem{
			EventID:    eventID,
			ResourceID: res,
			Provider:   event.Provider,
			Index:      i,
			Submitted:  event.ReceivedAt,
		}
	}
	d.logger.Info("event accepted",
		zap.String("event_id", eventID),
		zap.String("event_type", event.EventType),
		zap.String("provider", event.Provider),
		zap.Int("items", len(items)),
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.submitBatch(context.WithoutCancel(ctx), items)
	}()
	return eventID, nil
}

// Wait blocks until every background submission has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// abandon finalizes a created event as failed when its batch could not be
// registered, so the record does not stay received.
func (d *Dispatcher) abandon(ctx context.Context, event webhook.Event, cause error) {
	req := webhook.FinalizeRequest{
		EventID:     event.ID,
		Status:      webhook.StatusFailed,
		CompletedAt: d.clock.Now(),
		Metadata: map[string]any{
			"expected_count":  event.Expected,
			"completed_count": 0,
			"failed_count":    0,
			"failure_reason":  ReasonRegistrationFailed,
			"failure_detail":  cause.Error(),
		},
	}
	err := d.policy.Do(context.WithoutCancel(ctx), func(ctx context.Context, _ int) error {
		err := d.store.Finalize(ctx, req)
		if errors.Is(err, webhook.ErrTerminalConflict) || errors.Is(err, webhook.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, nil)
	if err != nil {
		d.logger.Error("could not fail unregistered event",
			zap.String("event_id", event.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	d.logger.Warn("event failed: batch registration rejected",
		zap.String("event_id", event.ID),
		zap.Error(cause),
	)
}

func (d *Dispatcher) validate(payload webhook.Payload) ([]string, error) {
	if strings.TrimSpace(payload.EventType) == "" {
		return nil, fmt.Errorf("%w: event_type is required", webhook.ErrMalformedPayload)
	}
	if len(payload.Resources) == 0 {
		return nil, fmt.Errorf("%w: resources must not be empty", webhook.ErrMalformedPayload)
	}
	seen := make(map[string]struct{}, len(payload.Resources))
	resources := make([]string, 0, len(payload.Resources))
	for i, raw := range payload.Resources {
		res := strings.TrimSpace(raw)
		if res == "" {
			return nil, fmt.Errorf("%w: resources[%d] is blank", webhook.ErrMalformedPayload, i)
		}
		if _, dup := seen[res]; dup {
			continue
		}
		seen[res] = struct{}{}
		resources = append(resources, res)
	}
	if d.cfg.MaxResources > 0 && len(resources) > d.cfg.MaxResources {
		return nil, fmt.Errorf("%w: %d resources exceeds limit of %d",
			webhook.ErrMalformedPayload, len(resources), d.cfg.MaxResources)
	}
	return resources, nil
}

func (d *Dispatcher) submitBatch(ctx context.Context, items []webhook.WorkItem) {
	for _, item := range items {
		d.submit(ctx, item)
	}
}

// submit retries saturation with backoff, then waits up to FinalWait for
// queue space. Exhaustion reports the item as a hard failure so the batch
// count still converges.
func (d *Dispatcher) submit(ctx context.Context, item webhook.WorkItem) {
	err := d.policy.Do(ctx, func(context.Context, int) error {
		err := d.pool.Submit(item)
		if err != nil && !errors.Is(err, webhook.ErrPoolSaturated) {
			return retry.Permanent(err)
		}
		return err
	}, func(_ error, attempt int, wait time.Duration) {
		metrics.ObserveSubmission(metrics.SubmissionRetried)
		d.logger.Debug("pool saturated; retrying submission",
			zap.String("event_id", item.EventID),
			zap.String("resource_id", item.ResourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
	})
	if err != nil && d.cfg.FinalWait > 0 && errors.Is(err, webhook.ErrPoolSaturated) {
		err = d.pool.SubmitWait(ctx, item, d.cfg.FinalWait)
	}
	if err == nil {
		metrics.ObserveSubmission(metrics.SubmissionEnqueued)
		return
	}

	metrics.ObserveSubmission(metrics.SubmissionExhausted)
	d.logger.Error("submission failed; reporting hard failure",
		zap.String("event_id", item.EventID),
		zap.String("resource_id", item.ResourceID),
		zap.Error(err),
	)
	outcome := webhook.Outcome{
		EventID:    item.EventID,
		ResourceID: item.ResourceID,
		Result:     webhook.ResultHardFailure,
		Error:      fmt.Sprintf("submit: %v", err),
	}
	if rerr := d.tracker.ReportOutcome(ctx, outcome); rerr != nil {
		d.logger.Warn("report submission failure", zap.String("event_id", item.EventID), zap.Error(rerr))
	}
}
