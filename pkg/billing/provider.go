package billing

import "net/http"

// Provider is a billing backend that pushes subscription state through webhooks.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}
