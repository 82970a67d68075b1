// Package billing connects payment providers to user subscriptions.
package billing

import (
	"context"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/pkg/profile"
)

// SubscriptionApplier records subscription changes. *profile.Service
// implements it.
type SubscriptionApplier interface {
	ApplySubscription(ctx context.Context, userID string, change profile.SubscriptionChange) (bool, error)
}

// Config defines the configuration all providers accept
type Config struct {
	// Subscriptions receives every tier change a provider observes
	Subscriptions SubscriptionApplier

	// TierMapping maps provider price or product IDs to MindCare tiers.
	// For example: map[string]string{"price_premium_monthly": "premium"}
	// Unmapped IDs are ignored.
	TierMapping map[string]string

	// WebhookSecret verifies incoming webhook requests
	WebhookSecret string

	// WebhookCallback is invoked after a change has been applied.
	// Errors are logged and do not fail the webhook.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is optional; nil means no-op
	Metrics Metrics

	// Logger is optional; nil means no-op
	Logger entitlement.Logger
}

// Tiers resolves TierMapping into validated tiers.
func (c *Config) Tiers() (map[string]entitlement.Tier, error) {
	out := make(map[string]entitlement.Tier, len(c.TierMapping))
	for id, name := range c.TierMapping {
		tier, err := entitlement.ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[id] = tier
	}
	return out, nil
}
