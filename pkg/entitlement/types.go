package entitlement

import (
	"fmt"
	"strings"
)

// Unlimited is the limit and remaining sentinel for features without a cap.
const Unlimited = -1

// Tier is the subscription level of a user
type Tier string

const (
	// TierFree is capped by the configured daily limits
	TierFree Tier = "free"
	// TierPremium has unlimited access to every feature
	TierPremium Tier = "premium"
	// TierProfessional has unlimited access to every feature
	TierProfessional Tier = "professional"
)

// Unlimited reports whether the tier bypasses every daily limit.
func (t Tier) Unlimited() bool {
	return t == TierPremium || t == TierProfessional
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierProfessional:
		return true
	}
	return false
}

// ParseTier converts a string into a Tier, rejecting unknown values.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Feature is a stable identifier for a quota-limited capability
type Feature string

const (
	// FeatureArtTherapy counts generated art therapy pieces
	FeatureArtTherapy Feature = "artTherapy"
	// FeatureTictacMinutes counts video counseling minutes
	FeatureTictacMinutes Feature = "tictacMinutes"
	// FeatureAIAnalyses counts companion emotion analyses
	FeatureAIAnalyses Feature = "aiAnalyses"
	// FeatureMoodTracking counts mood journal entries (unlimited by default)
	FeatureMoodTracking Feature = "moodTracking"
)

// Limits maps features to their daily caps. Unlimited (-1) disables the cap.
type Limits map[Feature]int

// DefaultLimits returns the free-tier daily caps.
func DefaultLimits() Limits {
	return Limits{
		FeatureArtTherapy:    1,
		FeatureTictacMinutes: 30,
		FeatureAIAnalyses:    10,
		FeatureMoodTracking:  Unlimited,
	}
}

// Validate rejects empty tables and values below the Unlimited sentinel.
func (l Limits) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("limits: at least one feature is required")
	}
	for f, v := range l {
		if f == "" {
			return fmt.Errorf("limits: empty feature key")
		}
		if v < Unlimited {
			return fmt.Errorf("limits: %s has invalid limit %d", f, v)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (l Limits) Clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Decision is the allow/remaining answer for one feature at one moment.
// Remaining is Unlimited when no cap applies.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// State is the per-counter state for the current day
type State string

const (
	StateWithinLimit State = "within_limit"
	StateAtLimit     State = "at_limit"
	StateUnlimited   State = "unlimited"
)

// FeatureUsage is the display view of a single counter
type FeatureUsage struct {
	Used      int   `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Allowed   bool  `json:"allowed"`
	State     State `json:"state"`
}

// Snapshot is a read-only view of a tracker, e.g. "3 of 5 used today".
type Snapshot struct {
	UserID   string                   `json:"user_id"`
	Date     string                   `json:"date"`
	Tier     Tier                     `json:"tier"`
	Degraded bool                     `json:"degraded,omitempty"`
	Features map[Feature]FeatureUsage `json:"features"`
}

// Record is the persisted layout of a tracker.
type Record struct {
	LastResetDate string          `json:"lastResetDate"`
	Usage         map[Feature]int `json:"usage"`
	Limits        map[Feature]int `json:"limits"`
}

// OverLimitPolicy decides what TrackUsage does when a free-tier counter
// would pass its limit.
type OverLimitPolicy string

const (
	// OverLimitAllow records the usage anyway and logs a warning
	OverLimitAllow OverLimitPolicy = "allow"
	// OverLimitReject leaves the counter unchanged and returns ErrQuotaExceeded
	OverLimitReject OverLimitPolicy = "reject"
)
