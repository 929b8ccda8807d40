// Package memory provides an in-memory Fetcher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Fetcher serves resources from a map.
type Fetcher struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New builds a fetcher seeded with the given resources.
func New(seed map[string][]byte) *Fetcher {
	f := &Fetcher{data: make(map[string][]byte, len(seed))}
	for id, body := range seed {
		f.data[id] = append([]byte(nil), body...)
	}
	return f
}

// Put stores or replaces a resource.
func (f *Fetcher) Put(resourceID string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[resourceID] = append([]byte(nil), body...)
}

// Fetch returns a copy of the stored resource.
func (f *Fetcher) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}
	f.mu.RLock()
	body, ok := f.data[resourceID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, webhook.ErrResourceNotFound)
	}
	return append([]byte(nil), body...), nil
}
