package billing

import (
	"time"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// WebhookEvent describes a subscription change that was applied.
type WebhookEvent struct {
	UserID string
	Tier   entitlement.Tier

	// Provider is the billing provider name
	Provider string

	// EventType is the provider-specific event type,
	// e.g. "customer.subscription.updated"
	EventType string

	// EventTimestamp is when the event occurred at the provider
	EventTimestamp time.Time

	// ExpiresAt is the end of the paid period (nil when unknown or free)
	ExpiresAt *time.Time
	AutoRenew bool
}
