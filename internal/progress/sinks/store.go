package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/progress"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// ProgressRecorder is the slice of the event store the sink writes through.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, progress webhook.Progress) error
}

// StoreSink persists live counters for in-flight events. A batch is collapsed
// to the latest counters per event so each event costs one write per flush.
type StoreSink struct {
	store  ProgressRecorder
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store ProgressRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger.Named("progress_store")}
}

// Consume writes the newest registration/outcome counters per event. Events
// that were finalized within the batch are skipped since the terminal write
// already carries their counts.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	latest := make(map[string]webhook.Progress)
	var order []string
	done := make(map[string]bool)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRegistered, progress.StageOutcome:
			prev, seen := latest[evt.EventID]
			if !seen {
				order = append(order, evt.EventID)
			}
			if seen && evt.Completed+evt.Failed < prev.Completed+prev.Failed {
				continue
			}
			latest[evt.EventID] = webhook.Progress{
				EventID:   evt.EventID,
				Expected:  evt.Expected,
				Completed: evt.Completed,
				Failed:    evt.Failed,
				At:        evt.TS,
			}
		case progress.StageFinalized:
			done[evt.EventID] = true
		}
	}

	var errs []error
	for _, id := range order {
		if done[id] {
			continue
		}
		if err := s.store.RecordProgress(ctx, latest[id]); err != nil {
			if errors.Is(err, webhook.ErrNotFound) {
				s.logger.Debug("progress for unknown event", zap.String("event_id", id))
				continue
			}
			errs = append(errs, fmt.Errorf("record progress %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
