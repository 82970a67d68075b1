package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/storage/memory"
)

// Test helper to create a test registry
func setupTestRegistry(t *testing.T) *entitlement.Registry {
	t.Helper()

	registry, err := entitlement.NewRegistry(memory.New(), entitlement.Config{Location: time.UTC}, nil)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func usedAnalyses(t *testing.T, registry *entitlement.Registry, userID string) int {
	t.Helper()
	tracker, err := registry.Tracker(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get tracker: %v", err)
	}
	return tracker.Snapshot().Features[entitlement.FeatureAIAnalyses].Used
}

func TestMiddleware_Success(t *testing.T) {
	registry := setupTestRegistry(t)
	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  registry,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
	}))
	e.POST("/chat", func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("Expected 'success', got %s", rec.Body.String())
	}
	if got := rec.Header().Get("X-Usage-Remaining"); got != "10" {
		t.Errorf("Expected remaining 10 before the request, got %q", got)
	}
	if n := usedAnalyses(t, registry, "user1"); n != 1 {
		t.Errorf("Expected 1 used, got %d", n)
	}
}

func TestMiddleware_LimitReached(t *testing.T) {
	registry := setupTestRegistry(t)
	tracker, err := registry.Tracker(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to get tracker: %v", err)
	}
	if err := tracker.TrackUsage(entitlement.FeatureAIAnalyses, 10); err != nil {
		t.Fatalf("Failed to track usage: %v", err)
	}

	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  registry,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
	}))
	e.POST("/chat", func(c echo.Context) error {
		t.Error("handler must not run past the limit")
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rec.Code)
	}
}

func TestMiddleware_HandlerErrorIsNotCharged(t *testing.T) {
	registry := setupTestRegistry(t)
	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  registry,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
	}))
	e.POST("/chat", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "model unavailable")
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", rec.Code)
	}
	if n := usedAnalyses(t, registry, "user1"); n != 0 {
		t.Errorf("Expected nothing recorded, got %d", n)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  setupTestRegistry(t),
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
	}))
	e.POST("/chat", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	if rec := serve(e, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	registry := setupTestRegistry(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "ctx-user")
			return next(c)
		}
	})
	e.Use(Middleware(Config{
		Registry:  registry,
		GetUserID: FromContext("UserID"),
		Feature:   entitlement.FeatureAIAnalyses,
		GetAmount: DynamicCost(func(echo.Context) int { return 3 }),
	}))
	e.POST("/chat", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	if rec := serve(e, ""); rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rec.Code)
	}
	if n := usedAnalyses(t, registry, "ctx-user"); n != 3 {
		t.Errorf("Expected 3 used, got %d", n)
	}
}

func TestMiddleware_ClosedRegistry(t *testing.T) {
	registry := setupTestRegistry(t)
	if err := registry.Close(context.Background()); err != nil {
		t.Fatalf("Failed to close registry: %v", err)
	}

	var gotErr error
	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  registry,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
		OnError: func(c echo.Context, err error) error {
			gotErr = err
			return c.NoContent(http.StatusServiceUnavailable)
		},
	}))
	e.POST("/chat", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	if rec := serve(e, "user1"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if !errors.Is(gotErr, entitlement.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", gotErr)
	}
}

func TestMiddleware_ZeroAmount(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{
		Registry:  setupTestRegistry(t),
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureAIAnalyses,
		GetAmount: FixedAmount(0),
	}))
	e.POST("/chat", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	if rec := serve(e, "user1"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestMiddleware_ConfigValidation_MissingRegistry(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when Registry is nil")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID"), Feature: entitlement.FeatureAIAnalyses})
}
