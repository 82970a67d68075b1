// Package profile stores user profiles and their subscription state, and
// resolves the tier and timezone each usage tracker runs with.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// DefaultKeyPrefix namespaces persisted profiles.
const DefaultKeyPrefix = "mindcare:profile:"

// UpgradePeriod is how long a direct upgrade stays active without renewal.
const UpgradePeriod = 30 * 24 * time.Hour

// Supported interface languages
var Languages = []string{"en", "hi", "es"}

// Subscription is the billing state behind a tier.
type Subscription struct {
	Tier      entitlement.Tier `json:"tier"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	AutoRenew bool             `json:"autoRenew"`
	// UpdatedAt is the time of the event that last changed the subscription.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notifications are the user's reminder preferences.
type Notifications struct {
	MoodReminders    bool `json:"moodReminders"`
	TherapyReminders bool `json:"therapyReminders"`
	CrisisAlerts     bool `json:"crisisAlerts"`
	ProgressUpdates  bool `json:"progressUpdates"`
}

// Profile is a MindCare user.
type Profile struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Email              string        `json:"email,omitempty"`
	Language           string        `json:"preferredLanguage"`
	Timezone           string        `json:"timezone"`
	Bio                string        `json:"bio,omitempty"`
	Goals              []string      `json:"mentalHealthGoals,omitempty"`
	TherapyPreferences []string      `json:"therapyPreferences,omitempty"`
	EmergencyContact   string        `json:"emergencyContact,omitempty"`
	AllowDataSharing   bool          `json:"allowDataSharing"`
	AllowAnalytics     bool          `json:"allowAnalytics"`
	Notifications      Notifications `json:"notifications"`
	Subscription       Subscription  `json:"subscription"`
	JoinDate           string        `json:"joinDate"`
}

// EffectiveTier is the subscription tier, or free once it has expired.
func (p *Profile) EffectiveTier(now time.Time) entitlement.Tier {
	sub := p.Subscription
	if !sub.Tier.Valid() {
		return entitlement.TierFree
	}
	if sub.Tier != entitlement.TierFree && sub.ExpiresAt != nil && !now.Before(*sub.ExpiresAt) {
		return entitlement.TierFree
	}
	return sub.Tier
}

// expiry is the end of a paid subscription, or nil for free and open-ended tiers.
func (p *Profile) expiry() *time.Time {
	if p.Subscription.Tier == entitlement.TierFree {
		return nil
	}
	return p.Subscription.ExpiresAt
}

// Validate checks the fields users can edit.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProfile)
	}
	if !validLanguage(p.Language) {
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidProfile, p.Language)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidProfile, p.Timezone)
	}
	if !p.Subscription.Tier.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, entitlement.ErrInvalidTier)
	}
	return nil
}

func validLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidProfile is returned when a profile fails validation
	ErrInvalidProfile = errors.New("invalid profile")
)

// SubscriptionChange is one billing event applied to a profile.
type SubscriptionChange struct {
	Tier      entitlement.Tier
	ExpiresAt *time.Time
	AutoRenew bool
	// EventTime orders changes; events older than the last applied one are ignored.
	EventTime time.Time
}

// TierSetter receives subscription changes for users with a live tracker.
type TierSetter interface {
	SetSubscription(userID string, tier entitlement.Tier, expiresAt *time.Time) error
}

// Config holds profile service configuration
type Config struct {
	// DefaultTimezone is used for new profiles (default: UTC)
	DefaultTimezone string

	// DefaultLanguage is used for new profiles (default: "en")
	DefaultLanguage string

	// KeyPrefix is prepended to the user ID (default: "mindcare:profile:")
	KeyPrefix string

	Clock  entitlement.Clock
	Logger entitlement.Logger
}

// Service reads and writes profiles.
type Service struct {
	store  entitlement.Store
	conf   Config
	clock  entitlement.Clock
	logger entitlement.Logger

	// mu serializes read-modify-write cycles
	mu    sync.Mutex
	tiers TierSetter
}

// NewService creates a profile service.
func NewService(store entitlement.Store, config Config) (*Service, error) {
	if store == nil {
		return nil, entitlement.ErrStorageUnavailable
	}
	if config.DefaultTimezone == "" {
		config.DefaultTimezone = "UTC"
	}
	if _, err := time.LoadLocation(config.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("unknown default timezone %q: %w", config.DefaultTimezone, err)
	}
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = "en"
	}
	if !validLanguage(config.DefaultLanguage) {
		return nil, fmt.Errorf("unsupported default language %q", config.DefaultLanguage)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.Clock == nil {
		config.Clock = entitlement.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Service{
		store:  store,
		conf:   config,
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// NotifyTierChanges pushes future tier changes to live trackers.
func (s *Service) NotifyTierChanges(tiers TierSetter) {
	s.mu.Lock()
	s.tiers = tiers
	s.mu.Unlock()
}

// Get returns the stored profile, or a default free profile for unknown users.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidProfile)
	}
	data, err := s.store.Get(ctx, s.conf.KeyPrefix+userID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return s.defaultProfile(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &entitlement.CorruptStateError{Key: s.conf.KeyPrefix + userID, Err: err}
	}
	return &p, nil
}

func (s *Service) defaultProfile(userID string) *Profile {
	return &Profile{
		ID:             userID,
		Language:       s.conf.DefaultLanguage,
		Timezone:       s.conf.DefaultTimezone,
		AllowAnalytics: true,
		Notifications: Notifications{
			MoodReminders:    true,
			TherapyReminders: true,
			CrisisAlerts:     true,
		},
		Subscription: Subscription{Tier: entitlement.TierFree},
		JoinDate:     s.clock.Now().UTC().Format("2006-01-02"),
	}
}

// Update applies fn to the current profile and saves the result.
// The subscription can only be changed through ApplySubscription.
func (s *Service) Update(ctx context.Context, userID string, fn func(*Profile) error) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub := p.Subscription
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = userID
	p.Subscription = sub

	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) save(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.conf.KeyPrefix+p.ID, data); err != nil {
		return &entitlement.PersistenceError{Key: s.conf.KeyPrefix + p.ID, Err: err}
	}
	return nil
}

// ApplySubscription records a billing event. It reports false when the
// event is older than the last applied one and was ignored.
func (s *Service) ApplySubscription(ctx context.Context, userID string, change SubscriptionChange) (bool, error) {
	if !change.Tier.Valid() {
		return false, fmt.Errorf("%w: %q", entitlement.ErrInvalidTier, change.Tier)
	}
	if change.EventTime.IsZero() {
		change.EventTime = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}

	if !p.Subscription.UpdatedAt.IsZero() && !change.EventTime.After(p.Subscription.UpdatedAt) {
		s.logger.Info("ignoring stale subscription event",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "event_time", Value: change.EventTime},
			entitlement.Field{Key: "last_update", Value: p.Subscription.UpdatedAt})
		return false, nil
	}

	p.Subscription = Subscription{
		Tier:      change.Tier,
		ExpiresAt: change.ExpiresAt,
		AutoRenew: change.AutoRenew,
		UpdatedAt: change.EventTime.UTC(),
	}
	if err := s.save(ctx, p); err != nil {
		return false, err
	}

	tier := p.EffectiveTier(s.clock.Now())
	s.logger.Info("subscription updated",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "tier", Value: string(tier)})

	if s.tiers != nil {
		if err := s.tiers.SetSubscription(userID, tier, p.expiry()); err != nil {
			s.logger.Warn("failed to push tier to tracker",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "error", Value: err})
		}
	}
	return true, nil
}

// Upgrade switches the user to tier for one UpgradePeriod with auto-renew on.
// Downgrading to free clears the expiry.
func (s *Service) Upgrade(ctx context.Context, userID string, tier entitlement.Tier) (*Profile, error) {
	now := s.clock.Now()
	change := SubscriptionChange{Tier: tier, EventTime: now}
	if tier != entitlement.TierFree {
		expires := now.Add(UpgradePeriod).UTC()
		change.ExpiresAt = &expires
		change.AutoRenew = true
	}
	if _, err := s.ApplySubscription(ctx, userID, change); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}

// Location returns the profile timezone, falling back to the service default.
func (s *Service) Location(p *Profile) *time.Location {
	if p != nil && p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	loc, _ := time.LoadLocation(s.conf.DefaultTimezone)
	return loc
}

// Settings implements entitlement.SettingsResolver.
func (s *Service) Settings(ctx context.Context, userID string) (entitlement.UserSettings, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return entitlement.UserSettings{}, err
	}
	return entitlement.UserSettings{
		Tier:      p.EffectiveTier(s.clock.Now()),
		ExpiresAt: p.expiry(),
		Location:  s.Location(p),
	}, nil
}
