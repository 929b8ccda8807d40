package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{EventID: "evt-1", TS: time.Unix(0, 0), Stage: StageRegistered, Expected: 2})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that counts failed outcomes.
func ExampleSink() {
	failures := 0
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageOutcome && evt.Result.Failed() {
				failures++
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 2, MaxBatchWait: time.Second}, capture)

	hub.Emit(Event{EventID: "evt-2", TS: time.Unix(0, 0), Stage: StageOutcome, Result: webhook.ResultSuccess})
	hub.Emit(Event{EventID: "evt-2", TS: time.Unix(1, 0), Stage: StageOutcome, Result: webhook.ResultHardFailure})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("failed outcomes: %d\n", failures)
	// Output:
	// failed outcomes: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
