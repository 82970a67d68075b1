// Package echo provides Echo middleware that gates routes on a daily feature allowance
package echo

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AmountExtractor calculates the usage to record for the request
type AmountExtractor func(c echo.Context) (int, error)

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
	OnLimitReached func(c echo.Context, usage entitlement.FeatureUsage) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Logger reports usage that could not be recorded after the handler ran
	Logger entitlement.Logger
}

// Middleware creates an Echo middleware that checks the allowance before the
// handler and records usage when the handler succeeds with a 2xx status
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Registry == nil {
		panic("mindcare/echo: Config.Registry is required")
	}
	if cfg.GetUserID == nil {
		panic("mindcare/echo: Config.GetUserID is required")
	}
	if cfg.Feature == "" {
		panic("mindcare/echo: Config.Feature is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("%w: %d", entitlement.ErrInvalidAmount, amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			tracker, err := cfg.Registry.Tracker(c.Request().Context(), userID)
			var d entitlement.Decision
			if err == nil {
				d, err = tracker.CheckUsageLimit(cfg.Feature)
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !d.Allowed {
				usage := tracker.Snapshot().Features[cfg.Feature]
				if cfg.OnLimitReached != nil {
					return cfg.OnLimitReached(c, usage)
				}
				return c.JSON(cfg.LimitReachedStatusCode, map[string]interface{}{
					"error":     "Limit reached",
					"feature":   cfg.Feature,
					"used":      usage.Used,
					"limit":     usage.Limit,
					"remaining": 0,
				})
			}

			c.Response().Header().Set("X-Usage-Remaining", strconv.Itoa(d.Remaining))
			if err := next(c); err != nil {
				return err
			}

			if status := c.Response().Status; status < 200 || status > 299 {
				return nil
			}
			if err := tracker.TrackUsage(cfg.Feature, amount); err != nil {
				cfg.Logger.Error("failed to record usage",
					entitlement.Field{Key: "user_id", Value: userID},
					entitlement.Field{Key: "feature", Value: string(cfg.Feature)},
					entitlement.Field{Key: "error", Value: err})
			}
			return nil
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int) AmountExtractor {
	return func(c echo.Context) (int, error) {
		return costFunc(c), nil
	}
}
