// Package memory provides an in-process event store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// EventStore keeps event records in a map. It mirrors the conditional update
// semantics of the Postgres store.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]webhook.Event
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]webhook.Event)}
}

// CreateEvent stores a new event. An existing id returns webhook.ErrAlreadyExists.
func (s *EventStore) CreateEvent(_ context.Context, event webhook.Event) error {
	if event.ID == "" {
		return errors.New("event id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return fmt.Errorf("create event %s: %w", event.ID, webhook.ErrAlreadyExists)
	}
	if event.Status == "" {
		event.Status = webhook.StatusReceived
	}
	event.Metadata = append([]byte(nil), event.Metadata...)
	s.events[event.ID] = event
	return nil
}

// GetEvent returns a copy of the stored event.
func (s *EventStore) GetEvent(_ context.Context, eventID string) (webhook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return webhook.Event{}, fmt.Errorf("get event %s: %w", eventID, webhook.ErrNotFound)
	}
	return cloneEvent(event), nil
}

// RecordProgress updates live counters. Terminal events are left untouched
// and counters never move backwards.
func (s *EventStore) RecordProgress(_ context.Context, p webhook.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[p.EventID]
	if !ok {
		return fmt.Errorf("record progress %s: %w", p.EventID, webhook.ErrNotFound)
	}
	if event.Status.IsTerminal() {
		return nil
	}
	if p.Expected > 0 {
		event.Expected = p.Expected
	}
	event.Completed = max(event.Completed, p.Completed)
	event.Failed = max(event.Failed, p.Failed)
	if event.Completed+event.Failed > 0 {
		event.Status = webhook.StatusProcessing
	}
	s.events[p.EventID] = event
	return nil
}

// Finalize writes the terminal status, counters and merged metadata.
// Repeating a finalize with the same status is a no-op; a different terminal
// status returns webhook.ErrTerminalConflict.
func (s *EventStore) Finalize(_ context.Context, req webhook.FinalizeRequest) error {
	if !req.Status.IsTerminal() {
		return fmt.Errorf("finalize %s: status %q is not terminal", req.EventID, req.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[req.EventID]
	if !ok {
		return fmt.Errorf("finalize %s: %w", req.EventID, webhook.ErrNotFound)
	}
	if event.Status.IsTerminal() {
		if event.Status == req.Status {
			return nil
		}
		return fmt.Errorf("finalize %s as %s (stored %s): %w",
			req.EventID, req.Status, event.Status, webhook.ErrTerminalConflict)
	}
	merged, err := webhook.MergeMetadata(event.Metadata, req.Metadata)
	if err != nil {
		return fmt.Errorf("%w: finalize %s: %w", webhook.ErrStorageWrite, req.EventID, err)
	}
	completedAt := req.CompletedAt
	event.Status = req.Status
	event.Completed = req.Completed
	event.Failed = req.Failed
	event.CompletedAt = &completedAt
	event.Metadata = merged
	s.events[req.EventID] = event
	return nil
}

// Purge deletes terminal events completed before the cutoff.
func (s *EventStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, event := range s.events {
		if event.Status.IsTerminal() && event.CompletedAt != nil && event.CompletedAt.Before(before) {
			delete(s.events, id)
			removed++
		}
	}
	return removed, nil
}

// ListUnfinished returns non-terminal events received before the cutoff.
func (s *EventStore) ListUnfinished(_ context.Context, before time.Time) ([]webhook.Event, error) {
	var out []webhook.Event
	for _, event := range s.List() {
		if !event.Status.IsTerminal() && event.ReceivedAt.Before(before) {
			out = append(out, event)
		}
	}
	return out, nil
}

// List returns every event ordered by receipt time, mainly for tests.
func (s *EventStore) List() []webhook.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]webhook.Event, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, cloneEvent(event))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

func cloneEvent(event webhook.Event) webhook.Event {
	event.Metadata = append([]byte(nil), event.Metadata...)
	if event.CompletedAt != nil {
		at := *event.CompletedAt
		event.CompletedAt = &at
	}
	return event
}
