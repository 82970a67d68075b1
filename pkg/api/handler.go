package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/mindcare/pkg/companion"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/pkg/mood"
	"github.com/mihaimyh/mindcare/pkg/profile"
	"github.com/mihaimyh/mindcare/pkg/therapy"
)

const (
	maxUserIDLen    = 255
	maxBodyBytes    = 64 << 10
	limitReached    = "limit_reached"
	limitMessage    = "Daily limit reached. Upgrade to Premium for unlimited access."
	defaultMoodList = 7
)

var (
	errCallInProgress = errors.New("a call is already in progress")
	errNoOpenCall     = errors.New("no call in progress")
)

// Handler provides the HTTP endpoints of the MindCare service
type Handler struct {
	config Config

	mu    sync.Mutex
	calls map[string]*therapy.Call // open call per user
}

// Routes mounts every configured endpoint under /v1/users/{id}, plus the
// public crisis directory.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/crisis-resources", h.CrisisResources)
	r.Route("/v1/users/{id}", func(r chi.Router) {
		r.Get("/usage", h.GetUsage)
		r.Get("/usage/{feature}", h.CheckFeature)
		r.Post("/usage/{feature}", h.TrackFeature)

		if h.config.Profiles != nil {
			r.Get("/profile", h.GetProfile)
			r.Put("/profile", h.UpdateProfile)
			if h.config.AllowDirectUpgrade {
				r.Post("/subscription", h.Upgrade)
			}
		}
		if h.config.Journal != nil {
			r.Get("/mood", h.ListMood)
			r.Post("/mood", h.AddMood)
		}
		if h.config.Companion != nil {
			r.Post("/companion/messages", h.SendMessage)
		}
		if h.config.Studio != nil {
			r.Post("/art", h.GenerateArt)
		}
		if h.config.Calls != nil {
			r.Post("/calls", h.StartCall)
			r.Delete("/calls/current", h.EndCall)
		}
	})
	return r
}

// GetUsage returns the user's counters for the current day
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, UsageResponse{
		Snapshot: tracker.Snapshot(),
		ResetsAt: tracker.NextReset().Format(time.RFC3339),
	})
}

// CheckFeature answers whether the user may use a feature right now
func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	feature := entitlement.Feature(chi.URLParam(r, "feature"))
	d, err := tracker.CheckUsageLimit(feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DecisionResponse{Feature: feature, Allowed: d.Allowed, Remaining: d.Remaining})
}

// TrackFeature gates and records usage reported by a client
func (h *Handler) TrackFeature(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	feature := entitlement.Feature(chi.URLParam(r, "feature"))

	var req TrackRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		h.handleError(w, r, fmt.Errorf("%w: %d", entitlement.ErrInvalidAmount, req.Amount))
		return
	}

	d, err := tracker.CheckUsageLimit(feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !d.Allowed {
		h.limitReached(w, tracker, feature)
		return
	}
	if err := tracker.TrackUsage(feature, req.Amount); err != nil {
		h.handleError(w, r, err)
		return
	}

	d, err = tracker.CheckUsageLimit(feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DecisionResponse{Feature: feature, Allowed: d.Allowed, Remaining: d.Remaining})
}

// CrisisResources returns the helpline directory for ?lang= (default en)
func (h *Handler) CrisisResources(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, companion.ResourcesFor(r.URL.Query().Get("lang")))
}

// GetProfile returns the user's profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	p, err := h.config.Profiles.Get(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// UpdateProfile replaces the editable profile fields
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var in profile.Profile
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.config.Profiles.Update(r.Context(), userID, func(p *profile.Profile) error {
		joined := p.JoinDate
		*p = in
		if p.JoinDate == "" {
			p.JoinDate = joined
		}
		return nil
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// Upgrade changes the user's subscription tier directly
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req UpgradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	tier, err := entitlement.ParseTier(req.Tier)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	p, err := h.config.Profiles.Upgrade(r.Context(), userID, tier)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// AddMood records a mood check-in
func (h *Handler) AddMood(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	var entry mood.Entry
	if !h.decode(w, r, &entry) {
		return
	}
	e, err := h.config.Journal.Add(r.Context(), tracker, h.config.GetUserID(r), entry)
	if errors.Is(err, entitlement.ErrQuotaExceeded) {
		h.limitReached(w, tracker, entitlement.FeatureMoodTracking)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, e)
}

// ListMood returns recent entries (?limit=n, default 7) and the weekly trend
func (h *Handler) ListMood(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	n := defaultMoodList
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > mood.MaxEntries {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", mood.MaxEntries))
			return
		}
		n = v
	}

	entries, err := h.config.Journal.List(r.Context(), userID, n)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	trend, err := h.config.Journal.Trend(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []mood.Entry{}
	}
	h.writeJSON(w, http.StatusOK, MoodResponse{Entries: entries, Trend: trend})
}

// SendMessage passes a chat message to the companion
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Language == "" && h.config.Profiles != nil {
		if p, err := h.config.Profiles.Get(r.Context(), h.config.GetUserID(r)); err == nil {
			req.Language = p.Language
		}
	}
	if req.Language == "" {
		req.Language = "en"
	}

	reply, err := h.config.Companion.Send(r.Context(), tracker, req.Text, req.Language)
	if errors.Is(err, companion.ErrLimitReached) {
		h.limitReached(w, tracker, entitlement.FeatureAIAnalyses)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reply)
}

// GenerateArt creates an art therapy piece
func (h *Handler) GenerateArt(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	var req therapy.Request
	if !h.decode(w, r, &req) {
		return
	}
	art, err := h.config.Studio.Generate(r.Context(), tracker, req)
	if errors.Is(err, therapy.ErrLimitReached) {
		h.limitReached(w, tracker, entitlement.FeatureArtTherapy)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, art)
}

// StartCall opens a counseling call if the user has minutes left
func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	userID := h.config.GetUserID(r)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.calls[userID]; open {
		h.writeError(w, http.StatusConflict, errCallInProgress)
		return
	}
	call, err := h.config.Calls.Start(tracker)
	if errors.Is(err, therapy.ErrLimitReached) {
		h.limitReached(w, tracker, entitlement.FeatureTictacMinutes)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.calls[userID] = call
	h.writeJSON(w, http.StatusCreated, CallResponse{
		StartedAt:     call.StartedAt().UTC().Format(time.RFC3339),
		BudgetMinutes: call.Budget,
	})
}

// EndCall closes the user's open call and bills its minutes
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	userID := h.config.GetUserID(r)

	h.mu.Lock()
	call, open := h.calls[userID]
	delete(h.calls, userID)
	h.mu.Unlock()
	if !open {
		h.writeError(w, http.StatusNotFound, errNoOpenCall)
		return
	}

	// The tracker the call started on may have been evicted since.
	minutes, err := call.EndWith(tracker)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	remaining := entitlement.Unlimited
	if d, err := tracker.CheckUsageLimit(entitlement.FeatureTictacMinutes); err == nil {
		remaining = d.Remaining
	}
	h.writeJSON(w, http.StatusOK, CallEndResponse{
		BilledMinutes: minutes,
		Remaining:     remaining,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, fmt.Errorf("user ID not found"))
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user ID format"))
		return "", false
	}
	return userID, true
}

func (h *Handler) tracker(w http.ResponseWriter, r *http.Request) (*entitlement.Tracker, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return nil, false
	}
	t, err := h.config.Registry.Tracker(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return t, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// limitReached writes the one response used for every exhausted feature.
func (h *Handler) limitReached(w http.ResponseWriter, tracker *entitlement.Tracker, feature entitlement.Feature) {
	usage := tracker.Snapshot().Features[feature]
	h.writeJSON(w, http.StatusPaymentRequired, LimitReachedResponse{
		Error:     limitReached,
		Feature:   feature,
		Limit:     usage.Limit,
		Remaining: 0,
		Message:   limitMessage,
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, entitlement.ErrUnknownFeature):
		return http.StatusNotFound
	case errors.Is(err, entitlement.ErrInvalidAmount),
		errors.Is(err, entitlement.ErrInvalidTier),
		errors.Is(err, profile.ErrInvalidProfile),
		errors.Is(err, mood.ErrInvalidEntry),
		errors.Is(err, companion.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, entitlement.ErrClosed),
		errors.Is(err, entitlement.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err})
		err = errors.New("internal error")
	}
	h.writeError(w, status, err)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("failed to encode response", entitlement.Field{Key: "error", Value: err})
	}
}
