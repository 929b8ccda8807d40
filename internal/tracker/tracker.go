package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/progress"
	"github.com/JakeFAU/pricing-webhooks/internal/retry"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Config tunes buffering, staleness and the finalize retry budget.
type Config struct {
	GracePeriod      time.Duration
	StaleAfter       time.Duration
	SweepInterval    time.Duration
	TombstoneTTL     time.Duration
	FinalizeAttempts int
	MaxErrorNotes    int
	NotifyTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = time.Hour
	}
	if c.FinalizeAttempts <= 0 {
		c.FinalizeAttempts = 5
	}
	if c.MaxErrorNotes <= 0 {
		c.MaxErrorNotes = 20
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	return c
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithEmitter routes lifecycle events to a progress hub.
func WithEmitter(emitter progress.Emitter) Option {
	return func(t *Tracker) {
		if emitter != nil {
			t.emitter = emitter
		}
	}
}

// WithNotifier publishes a Notification to topic after every successful finalize.
func WithNotifier(pub webhook.Publisher, topic string) Option {
	return func(t *Tracker) {
		t.publisher = pub
		t.topic = topic
	}
}

// WithRetryPolicy overrides the finalize backoff. MaxAttempts is taken from
// Config.FinalizeAttempts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Tracker) {
		t.policy = p
	}
}

// Notification is published when an event reaches a terminal status.
type Notification struct {
	EventID     string         `json:"event_id"`
	Status      webhook.Status `json:"status"`
	Completed   int            `json:"completed_count"`
	Failed      int            `json:"failed_count"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Attributes returns message attributes for transports that support them.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"event_id": n.EventID, "status": string(n.Status)}
}

// Tracker counts outcomes per event and finalizes each event exactly once.
type Tracker struct {
	store     webhook.Finalizer
	clock     webhook.Clock
	cfg       Config
	logger    *zap.Logger
	emitter   progress.Emitter
	publisher webhook.Publisher
	topic     string
	policy    retry.Policy

	mu         sync.RWMutex
	batches    map[string]*batch
	pending    map[string]*pendingOutcomes
	tombstones map[string]tombstone

	finalized atomic.Int64
	orphaned  atomic.Int64
	late      atomic.Int64
	overflow  atomic.Int64
	rejected  atomic.Int64
	recovered atomic.Int64
}

// New constructs a Tracker that finalizes through store.
func New(store webhook.Finalizer, clock webhook.Clock, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		store:      store,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     zap.NewNop(),
		emitter:    progress.NopEmitter{},
		policy:     retry.DefaultPolicy(),
		batches:    make(map[string]*batch),
		pending:    make(map[string]*pendingOutcomes),
		tombstones: make(map[string]tombstone),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("tracker")
	t.policy.MaxAttempts = t.cfg.FinalizeAttempts
	return t
}

// RegisterBatch records that eventID spawned expected job units. Outcomes
// buffered for the event before registration are replayed.
func (t *Tracker) RegisterBatch(ctx context.Context, eventID string, expected int) error {
	if eventID == "" {
		return errors.New("register batch: empty event id")
	}
	if expected <= 0 {
		return fmt.Errorf("register batch %s: %w (got %d)", eventID, ErrInvalidExpected, expected)
	}
	now := t.clock.Now()

	t.mu.Lock()
	if _, ok := t.batches[eventID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("register batch %s: %w", eventID, ErrAlreadyRegistered)
	}
	if _, ok := t.tombstones[eventID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("register batch %s: %w", eventID, ErrAlreadyRegistered)
	}
	t.batches[eventID] = newBatch(eventID, expected, now)
	buffered := t.pending[eventID]
	delete(t.pending, eventID)
	t.mu.Unlock()

	t.emitter.Emit(progress.Event{EventID: eventID, TS: now, Stage: progress.StageRegistered, Expected: expected})
	t.logger.Debug("batch registered", zap.String("event_id", eventID), zap.Int("expected", expected))

	if buffered == nil {
		return nil
	}
	t.logger.Info("replaying buffered outcomes",
		zap.String("event_id", eventID),
		zap.Int("count", len(buffered.outcomes)),
	)
	for _, o := range buffered.outcomes {
		if err := t.ReportOutcome(ctx, o); err != nil {
			t.logger.Warn("buffered outcome replay failed",
				zap.String("event_id", eventID),
				zap.String("resource_id", o.ResourceID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ReportOutcome folds one job outcome into its batch. The reporter that
// delivers the last expected outcome performs the finalize write before
// returning. Outcomes for unknown events are buffered and return
// ErrRegistrationRace; outcomes for decided batches return ErrLateOutcome.
func (t *Tracker) ReportOutcome(ctx context.Context, o webhook.Outcome) error {
	if o.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidOutcome)
	}
	switch o.Result {
	case webhook.ResultSuccess, webhook.ResultSoftFailure, webhook.ResultHardFailure:
	default:
		return fmt.Errorf("%w: unknown result %q", ErrInvalidOutcome, o.Result)
	}

	b, err := t.lookupOrBuffer(o)
	if err != nil || b == nil {
		return err
	}
	now := t.clock.Now()

	b.mu.Lock()
	if b.decided() {
		b.mu.Unlock()
		t.discard(o, progress.ReasonLate, now)
		return fmt.Errorf("event %s: %w", o.EventID, ErrLateOutcome)
	}
	if o.ResourceID != "" {
		if _, dup := b.seen[o.ResourceID]; dup {
			b.mu.Unlock()
			t.discard(o, progress.ReasonDuplicate, now)
			return fmt.Errorf("event %s resource %s: %w", o.EventID, o.ResourceID, ErrDuplicateOutcome)
		}
	}
	if b.arrived() >= b.expected {
		b.mu.Unlock()
		t.overflow.Add(1)
		t.emitter.Emit(progress.Event{EventID: o.EventID, TS: now, Stage: progress.StageDiscarded, Note: progress.ReasonOverflow})
		t.logger.Error("outcome count overflow",
			zap.String("event_id", o.EventID),
			zap.String("resource_id", o.ResourceID),
		)
		return fmt.Errorf("event %s: %w", o.EventID, ErrCountOverflow)
	}

	b.apply(o, now, t.cfg.MaxErrorNotes)
	evt := progress.Event{
		EventID:   b.id,
		TS:        now,
		Stage:     progress.StageOutcome,
		Expected:  b.expected,
		Completed: b.completed,
		Failed:    b.failed,
		Result:    o.Result,
		Note:      o.Error,
	}
	if b.arrived() < b.expected {
		b.mu.Unlock()
		t.emitter.Emit(evt)
		return nil
	}
	req := b.decide(now, "", "")
	b.mu.Unlock()

	t.emitter.Emit(evt)
	return t.finalize(ctx, b, req)
}

// lookupOrBuffer returns the batch for o. When none exists the outcome is
// buffered (or discarded if the event is tombstoned) and an error is returned.
func (t *Tracker) lookupOrBuffer(o webhook.Outcome) (*batch, error) {
	t.mu.RLock()
	b, ok := t.batches[o.EventID]
	t.mu.RUnlock()
	if ok {
		return b, nil
	}

	now := t.clock.Now()
	t.mu.Lock()
	if b, ok := t.batches[o.EventID]; ok {
		t.mu.Unlock()
		return b, nil
	}
	if _, ok := t.tombstones[o.EventID]; ok {
		t.mu.Unlock()
		t.discard(o, progress.ReasonLate, now)
		return nil, fmt.Errorf("event %s: %w", o.EventID, ErrLateOutcome)
	}
	p := t.pending[o.EventID]
	if p == nil {
		p = &pendingOutcomes{firstSeen: now}
		t.pending[o.EventID] = p
	}
	p.outcomes = append(p.outcomes, o)
	t.mu.Unlock()

	t.logger.Debug("buffered outcome for unregistered batch",
		zap.String("event_id", o.EventID),
		zap.String("resource_id", o.ResourceID),
	)
	return nil, fmt.Errorf("event %s: %w", o.EventID, webhook.ErrRegistrationRace)
}

func (t *Tracker) discard(o webhook.Outcome, reason string, now time.Time) {
	t.late.Add(1)
	t.emitter.Emit(progress.Event{EventID: o.EventID, TS: now, Stage: progress.StageDiscarded, Note: reason})
	t.logger.Warn("discarding outcome",
		zap.String("event_id", o.EventID),
		zap.String("resource_id", o.ResourceID),
		zap.String("result", string(o.Result)),
		zap.String("reason", reason),
	)
}

// Cancel forces the batch to failed with failure_reason "cancelled".
func (t *Tracker) Cancel(ctx context.Context, eventID, reason string) error {
	t.mu.RLock()
	b, ok := t.batches[eventID]
	_, gone := t.tombstones[eventID]
	t.mu.RUnlock()
	if !ok {
		if gone {
			return fmt.Errorf("cancel %s: %w", eventID, ErrBatchDecided)
		}
		return fmt.Errorf("cancel %s: %w", eventID, ErrUnknownBatch)
	}

	now := t.clock.Now()
	b.mu.Lock()
	if b.decided() {
		b.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", eventID, ErrBatchDecided)
	}
	req := b.decide(now, ReasonCancelled, reason)
	b.mu.Unlock()

	t.logger.Info("batch cancelled", zap.String("event_id", eventID), zap.String("reason", reason))
	return t.finalize(ctx, b, req)
}

// Refinalize retries the fixed decision of a batch whose finalize exhausted
// its retry budget.
func (t *Tracker) Refinalize(ctx context.Context, eventID string) error {
	t.mu.RLock()
	b, ok := t.batches[eventID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("refinalize %s: %w", eventID, ErrNotFlagged)
	}

	b.mu.Lock()
	if b.phase != PhaseFinalizing || b.writing || b.finalizeErr == nil || b.decision == nil {
		b.mu.Unlock()
		return fmt.Errorf("refinalize %s: %w", eventID, ErrNotFlagged)
	}
	b.writing = true
	req := *b.decision
	b.mu.Unlock()

	t.logger.Info("retrying flagged finalize", zap.String("event_id", eventID))
	return t.finalize(ctx, b, req)
}

// finalize performs the durable write of a fixed decision. It runs detached
// from the caller's cancellation so a decided batch is not abandoned halfway.
func (t *Tracker) finalize(ctx context.Context, b *batch, req webhook.FinalizeRequest) error {
	ctx = context.WithoutCancel(ctx)
	logger := t.logger.With(zap.String("event_id", req.EventID), zap.String("status", string(req.Status)))

	err := t.policy.Do(ctx, func(ctx context.Context, _ int) error {
		err := t.store.Finalize(ctx, req)
		if storeRejected(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		logger.Warn("finalize attempt failed", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	})

	now := t.clock.Now()
	b.mu.Lock()
	b.writing = false
	if err != nil && storeRejected(err) {
		b.finalizeErr = err
		b.phase = PhaseTerminal
		b.mu.Unlock()

		t.mu.Lock()
		delete(t.batches, req.EventID)
		t.tombstones[req.EventID] = tombstone{at: now}
		t.mu.Unlock()
		t.rejected.Add(1)
		logger.Error("finalize rejected by store; batch evicted", zap.Error(err))
		return fmt.Errorf("finalize %s: %w", req.EventID, err)
	}
	if err != nil {
		b.finalizeErr = err
		b.mu.Unlock()
		t.emitter.Emit(progress.Event{
			EventID:   req.EventID,
			TS:        now,
			Stage:     progress.StageFlagged,
			Completed: req.Completed,
			Failed:    req.Failed,
			Status:    req.Status,
			Note:      err.Error(),
		})
		logger.Error("finalize failed; batch flagged for remediation", zap.Error(err))
		return fmt.Errorf("%w: finalize %s: %w", webhook.ErrStorageWrite, req.EventID, err)
	}
	b.finalizeErr = nil
	b.phase = PhaseTerminal
	expected, registeredAt := b.expected, b.registeredAt
	b.mu.Unlock()

	t.mu.Lock()
	delete(t.batches, req.EventID)
	t.tombstones[req.EventID] = tombstone{status: req.Status, at: now}
	t.mu.Unlock()
	t.finalized.Add(1)

	t.emitter.Emit(progress.Event{
		EventID:   req.EventID,
		TS:        now,
		Stage:     progress.StageFinalized,
		Expected:  expected,
		Completed: req.Completed,
		Failed:    req.Failed,
		Status:    req.Status,
		Dur:       max(req.CompletedAt.Sub(registeredAt), 0),
	})
	logger.Info("batch finalized", zap.Int("completed", req.Completed), zap.Int("failed", req.Failed))
	t.notify(ctx, req)
	return nil
}

// storeRejected reports finalize errors that no retry can fix: the row is
// gone or already holds a different terminal status.
func storeRejected(err error) bool {
	return errors.Is(err, webhook.ErrTerminalConflict) || errors.Is(err, webhook.ErrNotFound)
}

func (t *Tracker) notify(ctx context.Context, req webhook.FinalizeRequest) {
	if t.publisher == nil || t.topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.NotifyTimeout)
	defer cancel()
	msg := Notification{
		EventID:     req.EventID,
		Status:      req.Status,
		Completed:   req.Completed,
		Failed:      req.Failed,
		CompletedAt: req.CompletedAt,
	}
	if _, err := t.publisher.Publish(ctx, t.topic, msg); err != nil {
		t.logger.Warn("completion notification failed", zap.String("event_id", req.EventID), zap.Error(err))
	}
}

// RecoverReport summarizes one Recover pass.
type RecoverReport struct {
	Recovered int
	Skipped   int
	Failed    int
}

// Recover takes over events a previous process left received or processing.
// Their work items did not survive the restart, so each one is decided failed
// with failure_reason "tracker restart" and the counts persisted so far.
// Events this tracker already holds are skipped.
func (t *Tracker) Recover(ctx context.Context, events []webhook.Event) RecoverReport {
	var report RecoverReport
	now := t.clock.Now()
	for _, ev := range events {
		if ev.ID == "" || ev.Status.IsTerminal() {
			report.Skipped++
			continue
		}
		b := newBatch(ev.ID, max(ev.Expected, ev.Completed+ev.Failed, 1), ev.ReceivedAt)
		b.completed = ev.Completed
		b.failed = ev.Failed

		t.mu.Lock()
		_, held := t.batches[ev.ID]
		_, gone := t.tombstones[ev.ID]
		if held || gone {
			t.mu.Unlock()
			report.Skipped++
			continue
		}
		t.batches[ev.ID] = b
		delete(t.pending, ev.ID)
		t.mu.Unlock()

		b.mu.Lock()
		req := b.decide(now, ReasonRestart, "")
		b.mu.Unlock()

		t.logger.Warn("failing batch left unfinished by a previous process",
			zap.String("event_id", ev.ID),
			zap.String("stored_status", string(ev.Status)),
			zap.Int("completed", req.Completed),
			zap.Int("failed", req.Failed),
		)
		if err := t.finalize(ctx, b, req); err != nil {
			report.Failed++
			t.logger.Error("recovered batch finalize failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		report.Recovered++
		t.recovered.Add(1)
	}
	return report
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Stale      int
	Orphaned   int
	Tombstones int
}

// Sweep forces batches idle longer than StaleAfter to failed, discards
// buffered outcomes older than GracePeriod and expires tombstones.
func (t *Tracker) Sweep(ctx context.Context) SweepReport {
	now := t.clock.Now()
	var report SweepReport

	t.mu.RLock()
	candidates := make([]*batch, 0, len(t.batches))
	for _, b := range t.batches {
		candidates = append(candidates, b)
	}
	t.mu.RUnlock()

	for _, b := range candidates {
		b.mu.Lock()
		if b.decided() || now.Sub(b.lastActivity) <= t.cfg.StaleAfter {
			b.mu.Unlock()
			continue
		}
		req := b.decide(now, ReasonBatchTimeout, "")
		b.mu.Unlock()

		report.Stale++
		t.logger.Warn("reclaiming stale batch",
			zap.String("event_id", req.EventID),
			zap.Int("completed", req.Completed),
			zap.Int("failed", req.Failed),
			zap.Error(webhook.ErrStaleBatch),
		)
		if err := t.finalize(ctx, b, req); err != nil {
			t.logger.Error("stale batch finalize failed", zap.String("event_id", req.EventID), zap.Error(err))
		}
	}

	var orphans []webhook.Outcome
	t.mu.Lock()
	for id, p := range t.pending {
		if now.Sub(p.firstSeen) > t.cfg.GracePeriod {
			orphans = append(orphans, p.outcomes...)
			delete(t.pending, id)
		}
	}
	for id, ts := range t.tombstones {
		if now.Sub(ts.at) > t.cfg.TombstoneTTL {
			delete(t.tombstones, id)
			report.Tombstones++
		}
	}
	t.mu.Unlock()

	for _, o := range orphans {
		t.orphaned.Add(1)
		t.emitter.Emit(progress.Event{EventID: o.EventID, TS: now, Stage: progress.StageDiscarded, Note: progress.ReasonOrphaned})
		t.logger.Error("discarding outcome for batch never registered",
			zap.String("event_id", o.EventID),
			zap.String("resource_id", o.ResourceID),
			zap.String("result", string(o.Result)),
		)
	}
	report.Orphaned = len(orphans)
	return report
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report := t.Sweep(ctx)
			if report.Stale > 0 || report.Orphaned > 0 {
				t.logger.Info("sweep completed",
					zap.Int("stale", report.Stale),
					zap.Int("orphaned", report.Orphaned),
					zap.Int("tombstones_expired", report.Tombstones),
				)
			}
		}
	}
}

// Snapshot is a point-in-time view of one batch.
type Snapshot struct {
	EventID       string         `json:"event_id"`
	Phase         Phase          `json:"phase"`
	Expected      int            `json:"expected_count,omitempty"`
	Completed     int            `json:"completed_count"`
	Failed        int            `json:"failed_count"`
	Decided       webhook.Status `json:"decided_status,omitempty"`
	FinalizeError string         `json:"finalize_error,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at,omitzero"`
	LastActivity  time.Time      `json:"last_activity,omitzero"`
}

// Snapshot returns the live view of eventID. Recently finalized events are
// reported as terminal with their decided status.
func (t *Tracker) Snapshot(eventID string) (Snapshot, bool) {
	t.mu.RLock()
	b, ok := t.batches[eventID]
	ts, gone := t.tombstones[eventID]
	t.mu.RUnlock()
	if !ok {
		if gone {
			return Snapshot{EventID: eventID, Phase: PhaseTerminal, Decided: ts.status}, true
		}
		return Snapshot{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		EventID:      b.id,
		Phase:        b.phase,
		Expected:     b.expected,
		Completed:    b.completed,
		Failed:       b.failed,
		RegisteredAt: b.registeredAt,
		LastActivity: b.lastActivity,
	}
	if b.decision != nil {
		snap.Decided = b.decision.Status
	}
	if b.finalizeErr != nil {
		snap.FinalizeError = b.finalizeErr.Error()
	}
	return snap, true
}

// Stats summarizes tracker state for introspection.
type Stats struct {
	InFlight   int   `json:"in_flight"`
	Finalizing int   `json:"finalizing"`
	Flagged    int   `json:"flagged"`
	Buffered   int   `json:"buffered_outcomes"`
	Tombstones int   `json:"tombstones"`
	Finalized  int64 `json:"finalized_total"`
	Orphaned   int64 `json:"orphaned_total"`
	Discarded  int64 `json:"discarded_total"`
	Overflow   int64 `json:"overflow_total"`
	Rejected   int64 `json:"rejected_total"`
	Recovered  int64 `json:"recovered_total"`
}

// Stats returns current counts.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	batches := make([]*batch, 0, len(t.batches))
	for _, b := range t.batches {
		batches = append(batches, b)
	}
	buffered := 0
	for _, p := range t.pending {
		buffered += len(p.outcomes)
	}
	stats := Stats{
		Buffered:   buffered,
		Tombstones: len(t.tombstones),
	}
	t.mu.RUnlock()

	for _, b := range batches {
		b.mu.Lock()
		switch {
		case b.finalizeErr != nil:
			stats.Flagged++
		case b.phase == PhaseFinalizing:
			stats.Finalizing++
		case b.phase != PhaseTerminal:
			stats.InFlight++
		}
		b.mu.Unlock()
	}
	stats.Finalized = t.finalized.Load()
	stats.Orphaned = t.orphaned.Load()
	stats.Discarded = t.late.Load()
	stats.Overflow = t.overflow.Load()
	stats.Rejected = t.rejected.Load()
	stats.Recovered = t.recovered.Load()
	return stats
}
