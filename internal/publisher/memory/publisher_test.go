package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "event-completions", map[string]string{"event_id": "evt-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "event-completions", msgs[0].Topic)
	require.Equal(t, "audit", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "event-completions", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherFailNext(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailNext(1)
	_, err := pub.Publish(context.Background(), "t", 1)
	require.ErrorIs(t, err, ErrInjected)

	_, err = pub.Publish(context.Background(), "t", 2)
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)
}
