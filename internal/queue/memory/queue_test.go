package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan webhook.WorkItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), webhook.WorkItem{EventID: "evt-1", ResourceID: "a.json"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "evt-1", got.EventID)
		require.Equal(t, "a.json", got.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueTryEnqueueSaturates(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.TryEnqueue(webhook.WorkItem{ResourceID: "a"}))
	require.NoError(t, q.TryEnqueue(webhook.WorkItem{ResourceID: "b"}))
	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, q.Cap())

	err := q.TryEnqueue(webhook.WorkItem{EventID: "evt", ResourceID: "c"})
	require.ErrorIs(t, err, webhook.ErrPoolSaturated)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", item.ResourceID)
	require.NoError(t, q.TryEnqueue(webhook.WorkItem{ResourceID: "c"}))
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), webhook.WorkItem{ResourceID: "primed"}))
	require.EqualError(t, q.Enqueue(ctx, webhook.WorkItem{}), "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.TryEnqueue(webhook.WorkItem{ResourceID: "left"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.TryEnqueue(webhook.WorkItem{}), ErrClosed)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "left", item.ResourceID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
