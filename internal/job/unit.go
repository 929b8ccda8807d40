// Package job implements the unit of work that processes one pricing record.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/pricing"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// DefaultPriceKeys are the record fields treated as price-bearing.
var DefaultPriceKeys = []string{"price", "amount"}

// Unit fetches a record, parses it and normalizes every price it carries.
type Unit struct {
	fetcher    webhook.Fetcher
	normalizer *pricing.Normalizer
	priceKeys  map[string]struct{}
	logger     *zap.Logger
}

// New constructs a Unit. An empty priceKeys uses DefaultPriceKeys.
func New(fetcher webhook.Fetcher, normalizer *pricing.Normalizer, priceKeys []string, logger *zap.Logger) *Unit {
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer == nil {
		normalizer = pricing.New(nil)
	}
	if len(priceKeys) == 0 {
		priceKeys = DefaultPriceKeys
	}
	keys := make(map[string]struct{}, len(priceKeys))
	for _, k := range priceKeys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &Unit{
		fetcher:    fetcher,
		normalizer: normalizer,
		priceKeys:  keys,
		logger:     logger.Named("job"),
	}
}

// Run processes item and returns exactly one Outcome. Transient fetch errors
// are soft failures; missing resources, malformed records and invalid
// amounts are hard failures.
func (u *Unit) Run(ctx context.Context, item webhook.WorkItem) webhook.Outcome {
	out := webhook.Outcome{EventID: item.EventID, ResourceID: item.ResourceID}

	body, err := u.fetcher.Fetch(ctx, item.ResourceID)
	if err != nil {
		out.Error = fmt.Sprintf("fetch: %v", err)
		if errors.Is(err, webhook.ErrResourceNotFound) || errors.Is(err, webhook.ErrMalformedRecord) {
			out.Result = webhook.ResultHardFailure
		} else {
			out.Result = webhook.ResultSoftFailure
		}
		return out
	}

	prices, err := u.extract(item.Provider, body)
	if err != nil {
		out.Result = webhook.ResultHardFailure
		out.Error = err.Error()
		return out
	}
	out.Result = webhook.ResultSuccess
	out.Prices = prices
	u.logger.Debug("record processed",
		zap.String("event_id", item.EventID),
		zap.String("resource_id", item.ResourceID),
		zap.Int("prices", len(prices)),
	)
	return out
}

func (u *Unit) extract(provider string, body []byte) ([]decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", webhook.ErrMalformedRecord, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record", webhook.ErrMalformedRecord)
	}
	switch doc.(type) {
	case map[string]any, []any:
	default:
		return nil, fmt.Errorf("%w: record must be an object or array", webhook.ErrMalformedRecord)
	}

	var prices []decimal.Decimal
	if err := u.walk(provider, doc, "", &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

func (u *Unit) walk(provider string, node any, path string, prices *[]decimal.Decimal) error {
	switch v := node.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(v)) {
			child := v[key]
			childPath := joinPath(path, key)
			if _, ok := u.priceKeys[strings.ToLower(key)]; ok && isScalar(child) {
				amount, err := u.normalizer.NormalizeValue(provider, child)
				if err != nil {
					return fmt.Errorf("%s: %w", childPath, err)
				}
				*prices = append(*prices, amount)
				continue
			}
			if err := u.walk(provider, child, childPath, prices); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			if err := u.walk(provider, child, fmt.Sprintf("%s[%d]", path, i), prices); err != nil {
				return err
			}
		}
	}
	return nil
}

// isScalar reports whether v can carry an amount. Null prices are skipped.
func isScalar(v any) bool {
	switch v.(type) {
	case json.Number, string, bool:
		return true
	default:
		return false
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
