package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/pricing"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestUnitNormalizesNestedPrices(t *testing.T) {
	t.Parallel()

	fetcher := fakeFetcher{
		"sailings/1.json": []byte(`{
			"sailing": {"code": "X1", "cabins": [
				{"grade": "IN", "price": 299000},
				{"grade": "OV", "price": "450000", "taxes": {"amount": 12000}}
			]},
			"deposit": {"amount": null}
		}`),
	}
	normalizer := pricing.New(map[string]pricing.Convention{
		"providerX": {Divisor: decimal.NewFromInt(1000)},
	})
	unit := New(fetcher, normalizer, nil, nil)

	out := unit.Run(context.Background(), webhook.WorkItem{EventID: "evt", ResourceID: "sailings/1.json", Provider: "providerx"})
	require.Equal(t, webhook.ResultSuccess, out.Result, out.Error)
	require.Equal(t, "evt", out.EventID)
	require.Equal(t, "sailings/1.json", out.ResourceID)
	got := make([]string, 0, len(out.Prices))
	for _, p := range out.Prices {
		got = append(got, p.String())
	}
	require.Equal(t, []string{"299", "450", "12"}, got)
}

func TestUnitDefaultProviderIsIdentity(t *testing.T) {
	t.Parallel()

	unit := New(fakeFetcher{"a": []byte(`[{"price": 299}]`)}, nil, nil, nil)
	out := unit.Run(context.Background(), webhook.WorkItem{EventID: "evt", ResourceID: "a"})
	require.Equal(t, webhook.ResultSuccess, out.Result)
	require.Len(t, out.Prices, 1)
	require.True(t, out.Prices[0].Equal(decimal.NewFromInt(299)))
}

func TestUnitClassifiesFailures(t *testing.T) {
	t.Parallel()

	fetcher := fakeFetcher{
		"bad-json": []byte(`{"price": `),
		"scalar":   []byte(`42`),
		"trailing": []byte(`{"price": 1} {"price": 2}`),
		"negative": []byte(`{"price": -5}`),
		"garbage":  []byte(`{"items": [{"amount": "ten"}]}`),
		"bool":     []byte(`{"price": true}`),
		"custom":   []byte(`{"cost": 7}`),
	}
	unit := New(fetcher, nil, nil, nil)

	cases := []struct {
		resource string
		want     webhook.Result
		contains string
	}{
		{"bad-json", webhook.ResultHardFailure, "malformed record"},
		{"scalar", webhook.ResultHardFailure, "object or array"},
		{"trailing", webhook.ResultHardFailure, "trailing data"},
		{"negative", webhook.ResultHardFailure, "invalid amount"},
		{"garbage", webhook.ResultHardFailure, "items[0].amount"},
		{"bool", webhook.ResultHardFailure, "invalid amount"},
		{"missing", webhook.ResultHardFailure, "resource not found"},
		{"flaky", webhook.ResultSoftFailure, "connection reset"},
		{"custom", webhook.ResultSuccess, ""},
	}
	for _, tc := range cases {
		t.Run(tc.resource, func(t *testing.T) {
			t.Parallel()
			out := unit.Run(context.Background(), webhook.WorkItem{EventID: "evt", ResourceID: tc.resource})
			require.Equal(t, tc.want, out.Result)
			if tc.contains != "" {
				require.Contains(t, out.Error, tc.contains)
			}
		})
	}
}

func TestUnitCustomPriceKeys(t *testing.T) {
	t.Parallel()

	unit := New(fakeFetcher{"a": []byte(`{"Cost": 7, "price": 1}`)}, nil, []string{"cost"}, nil)
	out := unit.Run(context.Background(), webhook.WorkItem{ResourceID: "a"})
	require.Equal(t, webhook.ResultSuccess, out.Result)
	require.Len(t, out.Prices, 1)
	require.Equal(t, "7", out.Prices[0].String())
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, id string) ([]byte, error) {
	if id == "flaky" {
		return nil, errors.New("connection reset")
	}
	body, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, webhook.ErrResourceNotFound)
	}
	return body, nil
}
