package tracker

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

var (
	// ErrInvalidExpected rejects registrations with a non-positive count.
	ErrInvalidExpected = errors.New("expected count must be positive")
	// ErrAlreadyRegistered rejects a second registration for the same event.
	ErrAlreadyRegistered = errors.New("batch already registered")
	// ErrInvalidOutcome rejects outcomes without an event id or with an unknown result.
	ErrInvalidOutcome = errors.New("invalid outcome")
	// ErrLateOutcome reports an outcome discarded because its batch is finalizing or terminal.
	ErrLateOutcome = errors.New("outcome arrived after batch decision")
	// ErrDuplicateOutcome reports a second outcome for the same resource.
	ErrDuplicateOutcome = errors.New("duplicate outcome for resource")
	// ErrCountOverflow is an internal consistency violation: more outcomes than expected.
	ErrCountOverflow = errors.New("outcome count exceeds expected")
	// ErrUnknownBatch means no batch is registered or remembered for the event.
	ErrUnknownBatch = fmt.Errorf("%w: no batch registered", webhook.ErrNotFound)
	// ErrBatchDecided rejects cancellation of a batch that is finalizing or terminal.
	ErrBatchDecided = errors.New("batch already decided")
	// ErrNotFlagged rejects Refinalize for a batch whose finalize did not fail.
	ErrNotFlagged = errors.New("batch finalize is not flagged")
)
