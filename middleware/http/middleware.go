// Package http provides net/http middleware that gates routes on a daily feature allowance
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AmountExtractor calculates the usage to record for the request
// For example: 1 per art piece, or minutes from a call summary
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Registry hands out the per-user trackers (required)
	Registry *entitlement.Registry

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Feature is the gated feature (required)
	Feature entitlement.Feature

	// GetAmount calculates the usage recorded after a 2xx response
	// Default: FixedAmount(1)
	GetAmount AmountExtractor

	// LimitReachedStatusCode is returned when the allowance is used up
	// Default: 429 (Too Many Requests)
	LimitReachedStatusCode int

	// OnLimitReached is called when the allowance is used up
	// If nil, writes LimitReachedStatusCode with a JSON usage body
	OnLimitReached func(w http.ResponseWriter, r *http.Request, usage entitlement.FeatureUsage)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger reports usage that could not be recorded after the handler ran
	Logger entitlement.Logger
}

// RemainingHeader carries the allowance left before the request
const RemainingHeader = "X-Usage-Remaining"

// Middleware creates an HTTP middleware that checks the allowance before the
// handler and records usage after a successful (2xx) response.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Registry == nil {
		panic("mindcare/http: Config.Registry is required")
	}
	if config.GetUserID == nil {
		panic("mindcare/http: Config.GetUserID is required")
	}
	if config.Feature == "" {
		panic("mindcare/http: Config.Feature is required")
	}
	if config.GetAmount == nil {
		config.GetAmount = FixedAmount(1)
	}
	if config.LimitReachedStatusCode == 0 {
		config.LimitReachedStatusCode = http.StatusTooManyRequests
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("%w: %d", entitlement.ErrInvalidAmount, amount)
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			tracker, err := config.Registry.Tracker(r.Context(), userID)
			var d entitlement.Decision
			if err == nil {
				d, err = tracker.CheckUsageLimit(config.Feature)
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !d.Allowed {
				usage := tracker.Snapshot().Features[config.Feature]
				if config.OnLimitReached != nil {
					config.OnLimitReached(w, r, usage)
				} else {
					defaultLimitReached(w, config.Feature, usage, config.LimitReachedStatusCode)
				}
				return
			}

			w.Header().Set(RemainingHeader, strconv.Itoa(d.Remaining))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 {
				return
			}
			if err := tracker.TrackUsage(config.Feature, amount); err != nil {
				config.Logger.Error("failed to record usage",
					entitlement.Field{Key: "user_id", Value: userID},
					entitlement.Field{Key: "feature", Value: string(config.Feature)},
					entitlement.Field{Key: "error", Value: err})
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates a feature (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// statusRecorder remembers the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func defaultLimitReached(w http.ResponseWriter, feature entitlement.Feature, usage entitlement.FeatureUsage, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "Limit reached",
		"feature":   feature,
		"used":      usage.Used,
		"limit":     usage.Limit,
		"remaining": 0,
	})
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(r *http.Request) (int, error) {
		return amount, nil
	}
}

// BodyLength returns an AmountExtractor that uses the request body length
// and restores the body for the handler
func BodyLength() AmountExtractor {
	return func(r *http.Request) (int, error) {
		if r.Body == nil {
			return 0, nil
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}
		r.Body = io.NopCloser(io.Reader(newBytesReader(body)))
		return len(body), nil
	}
}

// bytesReader is a simple bytes reader
type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader {
	return &bytesReader{data: data}
}

func (br *bytesReader) Read(p []byte) (n int, err error) {
	if br.pos >= len(br.data) {
		return 0, io.EOF
	}
	n = copy(p, br.data[br.pos:])
	br.pos += n
	return n, nil
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "mindcare:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
