// Package gin provides Gin middleware that gates routes on a daily feature allowance
package gin

import (
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the usage to record for the request
type AmountExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Registry hands out the per-user trackers (required)
	Registry *entitlement.Registry

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Feature is the gated feature (required)
	Feature entitlement.Feature

	// GetAmount calculates the usage recorded after a 2xx response
	// Default: FixedAmount(1)
	GetAmount AmountExtractor

	// LimitReachedStatusCode is the HTTP status code returned when the allowance is used up
	// Default: 429 (Too Many Requests)
	LimitReachedStatusCode int

	// OnLimitReached is called when the allowance is used up
	// If nil, uses default response: LimitReachedStatusCode JSON with usage info
	OnLimitReached func(c *gongin.Context, usage entitlement.FeatureUsage)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Logger reports usage that could not be recorded after the handler ran
	Logger entitlement.Logger
}

// Middleware creates a Gin middleware that checks the allowance before the
// handler and records usage after a 2xx response
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Registry == nil {
		panic("mindcare/gin: Config.Registry is required")
	}
	if cfg.GetUserID == nil {
		panic("mindcare/gin: Config.GetUserID is required")
	}
	if cfg.Feature == "" {
		panic("mindcare/gin: Config.Feature is required")
	}

	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(1)
	}
	if cfg.LimitReachedStatusCode == 0 {
		cfg.LimitReachedStatusCode = http.StatusTooManyRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", entitlement.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		tracker, err := cfg.Registry.Tracker(c.Request.Context(), userID)
		var d entitlement.Decision
		if err == nil {
			d, err = tracker.CheckUsageLimit(cfg.Feature)
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !d.Allowed {
			usage := tracker.Snapshot().Features[cfg.Feature]
			if cfg.OnLimitReached != nil {
				cfg.OnLimitReached(c, usage)
			} else {
				defaultLimitReached(c, cfg.Feature, usage, cfg.LimitReachedStatusCode)
			}
			c.Abort()
			return
		}

		c.Header("X-Usage-Remaining", strconv.Itoa(d.Remaining))
		c.Next()

		if status := c.Writer.Status(); status < 200 || status > 299 {
			return
		}
		if err := tracker.TrackUsage(cfg.Feature, amount); err != nil {
			cfg.Logger.Error("failed to record usage",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "feature", Value: string(cfg.Feature)},
				entitlement.Field{Key: "error", Value: err})
		}
	}
}

func defaultLimitReached(c *gongin.Context, feature entitlement.Feature, usage entitlement.FeatureUsage, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":     "Limit reached",
		"feature":   feature,
		"used":      usage.Used,
		"limit":     usage.Limit,
		"remaining": 0,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return costFunc(c), nil
	}
}
