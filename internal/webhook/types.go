// Package webhook defines the core types shared across the ingest, tracking
// and persistence subsystems.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a webhook event.
type Status string

// Event status values persisted in the event store.
const (
	StatusReceived        Status = "received"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusCompleted, StatusPartiallyFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// TerminalStatus maps final counters to the terminal status of a batch.
func TerminalStatus(expected, failed int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case failed >= expected:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// Result tags the outcome of a single job unit.
type Result string

// Job unit results.
const (
	ResultSuccess     Result = "success"
	ResultSoftFailure Result = "soft_failure"
	ResultHardFailure Result = "hard_failure"
)

// Failed reports whether the result counts against the batch.
func (r Result) Failed() bool {
	return r == ResultSoftFailure || r == ResultHardFailure
}

// Payload is the inbound notification accepted by the dispatcher.
type Payload struct {
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	Provider  string          `json:"provider,omitempty"`
	Resources []string        `json:"resources"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Event is the persisted record for one inbound notification.
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Provider    string          `json:"provider,omitempty"`
	Status      Status          `json:"status"`
	Expected    int             `json:"expected_count"`
	Completed   int             `json:"completed_count"`
	Failed      int             `json:"failed_count"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// WorkItem is one unit of work spawned by an event.
type WorkItem struct {
	EventID    string
	ResourceID string
	Provider   string
	Index      int
	Submitted  time.Time
}

// Outcome is the terminal result of one job unit, reported to the tracker.
type Outcome struct {
	EventID    string
	ResourceID string
	Result     Result
	Error      string
	Prices     []decimal.Decimal
	Attempts   int
}

// FinalizeRequest carries the fixed terminal decision for one event.
type FinalizeRequest struct {
	EventID     string
	Status      Status
	Completed   int
	Failed      int
	CompletedAt time.Time
	Metadata    map[string]any
}

// Progress is a non-terminal counter update for an in-flight event.
type Progress struct {
	EventID   string
	Expected  int
	Completed int
	Failed    int
	At        time.Time
}
