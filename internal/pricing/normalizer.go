// Package pricing converts provider-specific raw price encodings into
// standard currency amounts.
package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

const defaultPlaces int32 = 2

// Convention describes how one provider encodes prices.
type Convention struct {
	// Divisor is applied before any other computation. Zero means 1.
	Divisor decimal.Decimal
	// AllowNegative permits negative amounts (credits, refunds).
	AllowNegative bool
	// Places is the number of decimal places kept after conversion. Zero means 2.
	Places int32
}

// ConventionConfig is the config-file shape of a Convention.
type ConventionConfig struct {
	Divisor       string `mapstructure:"divisor"`
	AllowNegative bool   `mapstructure:"allow_negative"`
	Places        *int32 `mapstructure:"places"`
}

// Identity is the default convention: amounts already in standard units.
var Identity = Convention{Divisor: decimal.NewFromInt(1), Places: defaultPlaces}

// Normalizer looks up per-provider conventions. It is immutable after
// construction and safe for concurrent use.
type Normalizer struct {
	table map[string]Convention
}

// New builds a Normalizer from the provided table. Provider keys are
// case-insensitive.
func New(table map[string]Convention) *Normalizer {
	out := make(map[string]Convention, len(table))
	for provider, conv := range table {
		if conv.Divisor.IsZero() {
			conv.Divisor = decimal.NewFromInt(1)
		}
		if conv.Places <= 0 {
			conv.Places = defaultPlaces
		}
		out[normalizeKey(provider)] = conv
	}
	return &Normalizer{table: out}
}

// FromConfig parses the config table into a Normalizer.
func FromConfig(cfg map[string]ConventionConfig) (*Normalizer, error) {
	table := make(map[string]Convention, len(cfg))
	for provider, c := range cfg {
		conv := Convention{AllowNegative: c.AllowNegative, Places: defaultPlaces}
		if c.Places != nil && *c.Places > 0 {
			conv.Places = *c.Places
		}
		if strings.TrimSpace(c.Divisor) != "" {
			d, err := decimal.NewFromString(strings.TrimSpace(c.Divisor))
			if err != nil {
				return nil, fmt.Errorf("pricing provider %q: parse divisor: %w", provider, err)
			}
			if !d.IsPositive() {
				return nil, fmt.Errorf("pricing provider %q: divisor must be > 0", provider)
			}
			conv.Divisor = d
		}
		table[provider] = conv
	}
	return New(table), nil
}

// Convention returns the convention registered for provider, or Identity.
func (n *Normalizer) Convention(provider string) Convention {
	if n != nil {
		if conv, ok := n.table[normalizeKey(provider)]; ok {
			return conv
		}
	}
	return Identity
}

// Normalize converts a raw textual amount into standard currency units.
func (n *Normalizer) Normalize(provider, raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not numeric", webhook.ErrInvalidAmount, raw)
	}
	return n.apply(provider, amount)
}

// NormalizeValue converts a decoded JSON value (json.Number, string, float64
// or integer) into standard currency units.
func (n *Normalizer) NormalizeValue(provider string, v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case json.Number:
		return n.Normalize(provider, val.String())
	case string:
		return n.Normalize(provider, val)
	case float64:
		return n.apply(provider, decimal.NewFromFloat(val))
	case int:
		return n.apply(provider, decimal.NewFromInt(int64(val)))
	case int64:
		return n.apply(provider, decimal.NewFromInt(val))
	case decimal.Decimal:
		return n.apply(provider, val)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unsupported type %T", webhook.ErrInvalidAmount, v)
	}
}

func (n *Normalizer) apply(provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	conv := n.Convention(provider)
	if amount.IsNegative() && !conv.AllowNegative {
		return decimal.Decimal{}, fmt.Errorf("%w: negative amount %s for provider %q",
			webhook.ErrInvalidAmount, amount.String(), provider)
	}
	return amount.Div(conv.Divisor).Round(conv.Places), nil
}

func normalizeKey(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
