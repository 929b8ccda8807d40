package webhook

import "errors"

// Error taxonomy shared by every subsystem. Callers match with errors.Is.
var (
	// ErrMalformedPayload rejects an inbound event at the dispatcher; never retried.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInvalidAmount rejects a raw price; surfaces as the job's hard failure.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrJobExecution marks a retryable job failure (soft failure).
	ErrJobExecution = errors.New("job execution error")
	// ErrRegistrationRace marks an outcome that arrived before its batch was registered.
	ErrRegistrationRace = errors.New("outcome arrived before batch registration")
	// ErrStorageWrite wraps a failed durable write.
	ErrStorageWrite = errors.New("storage write error")
	// ErrStaleBatch marks a batch reclaimed by the stale sweep.
	ErrStaleBatch = errors.New("stale batch")

	ErrNotFound         = errors.New("event not found")
	ErrAlreadyExists    = errors.New("event already exists")
	ErrDuplicateEvent   = errors.New("duplicate event delivery")
	ErrTerminalConflict = errors.New("event already finalized with a different status")
	ErrPoolSaturated    = errors.New("worker pool saturated")
	ErrQueueClosed      = errors.New("queue closed")
	ErrResourceNotFound = errors.New("resource not found")
	ErrMalformedRecord  = errors.New("malformed record")
)
