package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestFetcherReturnsCopies(t *testing.T) {
	t.Parallel()

	f := New(map[string][]byte{"r1": []byte(`{"price":1}`)})
	got, err := f.Fetch(context.Background(), "r1")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := f.Fetch(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, `{"price":1}`, string(again))

	_, err = f.Fetch(context.Background(), "r2")
	require.ErrorIs(t, err, webhook.ErrResourceNotFound)

	f.Put("r2", []byte(`[]`))
	got, err = f.Fetch(context.Background(), "r2")
	require.NoError(t, err)
	require.Equal(t, "[]", string(got))
}

func TestFetcherHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Fetch(ctx, "r1")
	require.ErrorIs(t, err, context.Canceled)
}
