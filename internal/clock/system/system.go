// Package system provides the wall clock.
package system

import (
	"time"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

var _ webhook.Clock = Clock{}

// Clock implements webhook.Clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
