package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRegistered Stage = "BATCH_REGISTERED"
	StageOutcome    Stage = "BATCH_OUTCOME"
	StageFinalized  Stage = "BATCH_FINALIZED"
	StageFlagged    Stage = "BATCH_FLAGGED"
	StageDiscarded  Stage = "OUTCOME_DISCARDED"
)

// Discard reasons attached to StageDiscarded events.
const (
	ReasonLate      = "late"
	ReasonOrphaned  = "orphaned"
	ReasonOverflow  = "overflow"
	ReasonDuplicate = "duplicate"
)

// Event captures one step of a batch's progress.
type Event struct {
	// EventID is the parent webhook event.
	EventID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage

	Expected  int
	Completed int
	Failed    int

	// Result is set on StageOutcome.
	Result webhook.Result
	// Status is the decided terminal status on StageFinalized and StageFlagged.
	Status webhook.Status
	// Dur is the batch lifetime on StageFinalized.
	Dur time.Duration
	// Note carries low-volume context (error text, discard reason).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRegistered:
		if e.Expected <= 0 {
			return errors.New("registration requires a positive expected count")
		}
	case StageOutcome:
		if e.Result == "" {
			return errors.New("outcome requires a result")
		}
	case StageFinalized, StageFlagged:
		if !e.Status.IsTerminal() {
			return fmt.Errorf("stage %s requires a terminal status, got %q", e.Stage, e.Status)
		}
	case StageDiscarded:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
