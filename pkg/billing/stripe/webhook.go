package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/mindcare/pkg/billing"
	"github.com/mihaimyh/mindcare/pkg/billing/internal"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/pkg/profile"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// errIgnored marks events that are acknowledged without a change.
var errIgnored = errors.New("event ignored")

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxPayloadBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("stripe webhook rejected", entitlement.Field{Key: "error", Value: err})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	err = p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))

	switch {
	case err == nil:
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	case errors.Is(err, errIgnored):
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	default:
		// Stripe retries non-2xx responses.
		p.logger.Error("stripe webhook failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok")) //nolint:errcheck // client went away
}

// verifyEvent checks the Stripe-Signature header and decodes the event.
func (p *Provider) verifyEvent(body []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		return p.handleSubscription(ctx, event)
	default:
		return errIgnored
	}
}

// subscriptionPeriod reads the period end from either the subscription or
// its items, depending on the API version that rendered the event.
type subscriptionPeriod struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (sp subscriptionPeriod) end() int64 {
	end := sp.CurrentPeriodEnd
	for _, item := range sp.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

func (p *Provider) handleSubscription(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return billing.ErrInvalidWebhookPayload
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	var period subscriptionPeriod
	if err := json.Unmarshal(event.Data.Raw, &period); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.userIDFor(ctx, &sub)
	if err != nil {
		if !errors.Is(err, billing.ErrUserNotFound) {
			return err
		}
		p.logger.Warn("stripe subscription without user",
			entitlement.Field{Key: "subscription_id", Value: sub.ID},
			entitlement.Field{Key: "error", Value: err})
		return errIgnored
	}

	change := profile.SubscriptionChange{
		Tier:      entitlement.TierFree,
		EventTime: time.Unix(event.Created, 0).UTC(),
	}
	if string(event.Type) != eventSubscriptionDeleted && entitled(sub.Status) {
		tier, ok := p.tierForSubscription(&sub)
		if !ok {
			p.logger.Warn("stripe subscription has no mapped price",
				entitlement.Field{Key: "subscription_id", Value: sub.ID},
				entitlement.Field{Key: "user_id", Value: userID})
			return errIgnored
		}
		change.Tier = tier
		change.AutoRenew = !sub.CancelAtPeriodEnd
		if end := period.end(); end > 0 {
			expires := time.Unix(end, 0).Add(p.expiryGrace).UTC()
			change.ExpiresAt = &expires
		}
	}

	applied, err := p.subscriptions.ApplySubscription(ctx, userID, change)
	if err != nil {
		return err
	}
	if !applied {
		return errIgnored
	}
	p.metrics.RecordTierChange(providerName, string(change.Tier))

	if p.callback != nil {
		cbErr := p.callback(ctx, billing.WebhookEvent{
			UserID:         userID,
			Tier:           change.Tier,
			Provider:       providerName,
			EventType:      string(event.Type),
			EventTimestamp: change.EventTime,
			ExpiresAt:      change.ExpiresAt,
			AutoRenew:      change.AutoRenew,
		})
		if cbErr != nil {
			p.logger.Warn("stripe webhook callback failed",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "error", Value: cbErr})
		}
	}
	return nil
}

func entitled(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// tierForSubscription returns the highest tier any item maps to, by price
// ID first and product ID second.
func (p *Provider) tierForSubscription(sub *stripe.Subscription) (entitlement.Tier, bool) {
	if sub.Items == nil {
		return "", false
	}
	var best entitlement.Tier
	found := false
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := p.MapPriceToTier(item.Price.ID)
		if !ok && item.Price.Product != nil {
			tier, ok = p.MapPriceToTier(item.Price.Product.ID)
		}
		if ok && (!found || tierRank(tier) > tierRank(best)) {
			best, found = tier, true
		}
	}
	return best, found
}

func (p *Provider) userIDFor(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if id := sub.Metadata[userIDMetadataKey]; id != "" {
		return id, nil
	}
	if sub.Customer == nil {
		return "", billing.ErrUserNotFound
	}
	if id := sub.Customer.Metadata[userIDMetadataKey]; id != "" {
		return id, nil
	}
	if p.stripeClient == nil || sub.Customer.ID == "" {
		return "", billing.ErrUserNotFound
	}

	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err != nil {
		return "", fmt.Errorf("retrieve customer %s: %w", sub.Customer.ID, err)
	}
	if id := cust.Metadata[userIDMetadataKey]; id != "" {
		return id, nil
	}
	return "", billing.ErrUserNotFound
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
