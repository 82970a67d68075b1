package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/mindcare/pkg/companion"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/pkg/mood"
	"github.com/mihaimyh/mindcare/pkg/profile"
	"github.com/mihaimyh/mindcare/pkg/therapy"
)

// Config holds configuration for the MindCare API handler
type Config struct {
	// Registry hands out the per-user usage trackers (required)
	Registry *entitlement.Registry

	// Profiles serves profile routes; nil disables them
	Profiles *profile.Service

	// AllowDirectUpgrade mounts POST /subscription, which changes the tier
	// without payment. Leave it off when a billing provider owns subscriptions.
	AllowDirectUpgrade bool

	// Journal serves mood routes; nil disables them
	Journal *mood.Journal

	// Companion serves the chat route; nil disables it
	Companion *companion.Companion

	// Studio serves art therapy generation; nil disables it
	Studio *therapy.ArtStudio

	// Calls meters counseling calls; nil disables the call routes
	Calls *therapy.CallMeter

	// GetUserID extracts the user ID from the request
	// (default: the {id} URL parameter)
	GetUserID func(*http.Request) string

	// OnError handles errors (bad input, internal, etc.)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromURLParam("id")
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{
		config: config,
		calls:  make(map[string]*therapy.Call),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromURLParam returns a GetUserID function that reads a chi URL parameter
func FromURLParam(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
