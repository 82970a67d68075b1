// Package stripe applies Stripe subscription webhooks to MindCare profiles.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/mindcare/pkg/billing"
	"github.com/mihaimyh/mindcare/pkg/billing/internal"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultExpiryGrace       = 24 * time.Hour
	maxPayloadBytes          = 256 * 1024
	userIDMetadataKey        = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// StripeAPIKey is optional. When set, users are looked up in customer
	// metadata for subscriptions that do not carry a user_id themselves.
	StripeAPIKey string

	// ExpiryGrace is added to the end of the paid period so a late renewal
	// event does not drop the user to free (default: 24h)
	ExpiryGrace time.Duration

	// RateLimit is the number of webhook requests allowed per client IP and
	// minute (default: 100)
	RateLimit int
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	subscriptions billing.SubscriptionApplier
	tiers         map[string]entitlement.Tier // lower-cased price/product ID
	webhookSecret string
	expiryGrace   time.Duration
	callback      func(ctx context.Context, event billing.WebhookEvent) error
	stripeClient  *stripe.Client
	rateLimiter   *internal.RateLimiter
	metrics       billing.Metrics
	logger        entitlement.Logger
}

// NewProvider creates a Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Subscriptions == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	mapped, err := config.Tiers()
	if err != nil {
		return nil, err
	}
	tiers := make(map[string]entitlement.Tier, len(mapped))
	for id, tier := range mapped {
		tiers[strings.ToLower(strings.TrimSpace(id))] = tier
	}

	p := &Provider{
		subscriptions: config.Subscriptions,
		tiers:         tiers,
		webhookSecret: secret,
		expiryGrace:   config.ExpiryGrace,
		callback:      config.WebhookCallback,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}
	if p.expiryGrace <= 0 {
		p.expiryGrace = defaultExpiryGrace
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &entitlement.NoopLogger{}
	}
	if key := strings.TrimSpace(config.StripeAPIKey); key != "" {
		p.stripeClient = stripe.NewClient(key)
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	p.rateLimiter = internal.NewRateLimiter(limit, defaultRateLimitWindow)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the rate-limited HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// MapPriceToTier maps a Stripe price or product ID to a tier.
func (p *Provider) MapPriceToTier(id string) (entitlement.Tier, bool) {
	tier, ok := p.tiers[strings.ToLower(strings.TrimSpace(id))]
	return tier, ok
}

func tierRank(t entitlement.Tier) int {
	switch t {
	case entitlement.TierProfessional:
		return 2
	case entitlement.TierPremium:
		return 1
	default:
		return 0
	}
}
