package api

import (
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/pkg/mood"
)

// UsageResponse is the daily usage of every feature for a user
type UsageResponse struct {
	entitlement.Snapshot
	ResetsAt string `json:"resets_at"` // Next local midnight, RFC 3339
}

// DecisionResponse answers whether a feature can be used right now
type DecisionResponse struct {
	Feature   entitlement.Feature `json:"feature"`
	Allowed   bool                `json:"allowed"`
	Remaining int                 `json:"remaining"` // -1 for unlimited
}

// TrackRequest is the body of a usage report
type TrackRequest struct {
	Amount int `json:"amount"`
}

// LimitReachedResponse is returned whenever a feature's daily allowance is used up
type LimitReachedResponse struct {
	Error     string              `json:"error"`
	Feature   entitlement.Feature `json:"feature"`
	Limit     int                 `json:"limit"`
	Remaining int                 `json:"remaining"`
	Message   string              `json:"message"`
}

// MessageRequest is a companion chat message
type MessageRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// UpgradeRequest switches a user's subscription tier
type UpgradeRequest struct {
	Tier string `json:"tier"`
}

// MoodResponse lists journal entries with their trend
type MoodResponse struct {
	Entries []mood.Entry `json:"entries"`
	Trend   mood.Trend   `json:"trend"`
}

// CallResponse describes a call that was just opened
type CallResponse struct {
	StartedAt     string `json:"started_at"`
	BudgetMinutes int    `json:"budget_minutes"` // -1 for unlimited
}

// CallEndResponse reports the minutes billed for a finished call
type CallEndResponse struct {
	BilledMinutes int `json:"billed_minutes"`
	Remaining     int `json:"remaining"`
}
