package webhook

import (
	"context"
	"time"
)

// EventStore persists event records and their metadata document.
type EventStore interface {
	CreateEvent(ctx context.Context, event Event) error
	GetEvent(ctx context.Context, eventID string) (Event, error)
	RecordProgress(ctx context.Context, progress Progress) error
	Finalize(ctx context.Context, req FinalizeRequest) error
	Purge(ctx context.Context, before time.Time) (int64, error)
	// ListUnfinished returns events still received or processing that were
	// received before the cutoff, oldest first.
	ListUnfinished(ctx context.Context, before time.Time) ([]Event, error)
}

// Finalizer is the slice of EventStore the tracker depends on.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) error
}

// Fetcher returns the raw bytes stored under a resource identifier.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID string) ([]byte, error)
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides bounded enqueue/dequeue semantics for work items.
type Queue interface {
	TryEnqueue(item WorkItem) error
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Len() int
	Cap() int
}

// Reporter receives job unit outcomes.
type Reporter interface {
	ReportOutcome(ctx context.Context, outcome Outcome) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
