// Package ratelimit throttles resource fetches with per-key token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pricing-webhooks/internal/metrics"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// KeyFunc maps a resource id to the bucket it draws tokens from.
type KeyFunc func(resourceID string) string

// Limiter manages per-key rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	key          KeyFunc
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64 `mapstructure:"rps"`
	DefaultBurst int     `mapstructure:"burst"`
	// PerPrefix gives every leading path segment of a resource id its own
	// bucket. Otherwise all fetches share one bucket.
	PerPrefix bool `mapstructure:"per_prefix"`
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	key := func(string) string { return "*" }
	if cfg.PerPrefix {
		key = PrefixKey
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		key:          key,
	}
}

// PrefixKey returns the first path segment of resourceID.
func PrefixKey(resourceID string) string {
	id := strings.TrimLeft(resourceID, "/")
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return "*"
}

// Wait blocks until a token is available for resourceID's bucket, respecting the context.
func (l *Limiter) Wait(ctx context.Context, backend, resourceID string) error {
	k := l.key(resourceID)
	l.mu.Lock()
	limiter, exists := l.limiters[k]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[k] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(backend, d)
	}
	return nil
}

// Fetcher wraps a webhook.Fetcher so every fetch first waits on the limiter.
type Fetcher struct {
	next    webhook.Fetcher
	limiter *Limiter
	backend string
}

// Wrap returns next throttled by l. backend labels the delay metric.
func Wrap(next webhook.Fetcher, l *Limiter, backend string) *Fetcher {
	return &Fetcher{next: next, limiter: l, backend: backend}
}

// Fetch waits for a token, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	if err := f.limiter.Wait(ctx, f.backend, resourceID); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	data, err := f.next.Fetch(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("rate limited fetch: %w", err)
	}
	return data, nil
}
