package tracker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Phase is the tracker-side lifecycle of a batch.
type Phase string

// Batch phases.
const (
	PhaseRegistered Phase = "registered"
	PhaseInProgress Phase = "in_progress"
	PhaseFinalizing Phase = "finalizing"
	PhaseTerminal   Phase = "terminal"
)

// Failure reasons recorded in the metadata patch of forced decisions.
const (
	ReasonCancelled    = "cancelled"
	ReasonBatchTimeout = "batch timeout"
	ReasonRestart      = "tracker restart"
)

const maxNoteLen = 512

type batch struct {
	mu sync.Mutex

	id           string
	expected     int
	completed    int
	failed       int
	phase        Phase
	registeredAt time.Time
	lastActivity time.Time

	seen         map[string]struct{}
	notes        []string
	notesDropped int
	prices       priceSummary

	decision    *webhook.FinalizeRequest
	writing     bool
	finalizeErr error
}

func newBatch(id string, expected int, now time.Time) *batch {
	return &batch{
		id:           id,
		expected:     expected,
		phase:        PhaseRegistered,
		registeredAt: now,
		lastActivity: now,
		seen:         make(map[string]struct{}),
	}
}

func (b *batch) arrived() int {
	return b.completed + b.failed
}

func (b *batch) decided() bool {
	return b.phase == PhaseFinalizing || b.phase == PhaseTerminal
}

// apply folds one outcome into the counters. Callers hold b.mu.
func (b *batch) apply(o webhook.Outcome, now time.Time, maxNotes int) {
	if o.Result.Failed() {
		b.failed++
		b.addNote(o, maxNotes)
	} else {
		b.completed++
		for _, p := range o.Prices {
			b.prices.add(p)
		}
	}
	if o.ResourceID != "" {
		b.seen[o.ResourceID] = struct{}{}
	}
	b.phase = PhaseInProgress
	b.lastActivity = now
}

func (b *batch) addNote(o webhook.Outcome, maxNotes int) {
	if len(b.notes) >= maxNotes {
		b.notesDropped++
		return
	}
	note := o.Error
	if note == "" {
		note = string(o.Result)
	}
	if o.ResourceID != "" {
		note = o.ResourceID + ": " + note
	}
	if len(note) > maxNoteLen {
		note = note[:maxNoteLen]
	}
	b.notes = append(b.notes, note)
}

// decide fixes the terminal decision and moves the batch to finalizing.
// A non-empty reason forces failed. Callers hold b.mu.
func (b *batch) decide(now time.Time, reason, detail string) webhook.FinalizeRequest {
	status := webhook.TerminalStatus(b.expected, b.failed)
	if reason != "" {
		status = webhook.StatusFailed
	}
	patch := map[string]any{
		"completed_at":    now.UTC().Format(time.RFC3339Nano),
		"expected_count":  b.expected,
		"completed_count": b.completed,
		"failed_count":    b.failed,
	}
	if len(b.notes) > 0 {
		patch["errors"] = append([]string(nil), b.notes...)
	}
	if b.notesDropped > 0 {
		patch["errors_truncated"] = b.notesDropped
	}
	if b.prices.count > 0 {
		patch["price_summary"] = b.prices.document()
	}
	if reason != "" {
		patch["failure_reason"] = reason
	}
	if detail != "" {
		patch["failure_detail"] = detail
	}
	req := webhook.FinalizeRequest{
		EventID:     b.id,
		Status:      status,
		Completed:   b.completed,
		Failed:      b.failed,
		CompletedAt: now,
		Metadata:    patch,
	}
	b.decision = &req
	b.phase = PhaseFinalizing
	b.writing = true
	return req
}

type priceSummary struct {
	count int
	min   decimal.Decimal
	max   decimal.Decimal
}

func (p *priceSummary) add(v decimal.Decimal) {
	if p.count == 0 || v.LessThan(p.min) {
		p.min = v
	}
	if p.count == 0 || v.GreaterThan(p.max) {
		p.max = v
	}
	p.count++
}

func (p priceSummary) document() map[string]any {
	return map[string]any{
		"count": p.count,
		"min":   p.min.String(),
		"max":   p.max.String(),
	}
}

type pendingOutcomes struct {
	outcomes  []webhook.Outcome
	firstSeen time.Time
}

type tombstone struct {
	status webhook.Status
	at     time.Time
}
