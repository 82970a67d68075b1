package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingTiers struct {
	mu       sync.Mutex
	tiers    map[string]entitlement.Tier
	expiries map[string]*time.Time
	err      error
}

func (r *recordingTiers) SetSubscription(userID string, tier entitlement.Tier, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tiers == nil {
		r.tiers = make(map[string]entitlement.Tier)
		r.expiries = make(map[string]*time.Time)
	}
	r.tiers[userID] = tier
	r.expiries[userID] = expiresAt
	return r.err
}

var start = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Storage, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{now: start}
	svc, err := NewService(store, Config{DefaultTimezone: "Asia/Kolkata", Clock: clock})
	require.NoError(t, err)
	return svc, store, clock
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, Config{})
	assert.ErrorIs(t, err, entitlement.ErrStorageUnavailable)

	_, err = NewService(memory.New(), Config{DefaultTimezone: "Mars/Olympus"})
	assert.Error(t, err)

	_, err = NewService(memory.New(), Config{DefaultLanguage: "fr"})
	assert.Error(t, err)
}

func TestGet_DefaultProfile(t *testing.T) {
	svc, _, _ := newService(t)

	p, err := svc.Get(context.Background(), "user_123")
	require.NoError(t, err)
	assert.Equal(t, "user_123", p.ID)
	assert.Equal(t, "en", p.Language)
	assert.Equal(t, "Asia/Kolkata", p.Timezone)
	assert.Equal(t, entitlement.TierFree, p.Subscription.Tier)
	assert.Equal(t, "2024-01-15", p.JoinDate)
	assert.True(t, p.Notifications.CrisisAlerts)

	_, err = svc.Get(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestGet_CorruptProfile(t *testing.T) {
	svc, store, _ := newService(t)
	require.NoError(t, store.Set(context.Background(), DefaultKeyPrefix+"u1", []byte("not json")))

	_, err := svc.Get(context.Background(), "u1")
	var corrupt *entitlement.CorruptStateError
	assert.True(t, errors.As(err, &corrupt))
}

func TestUpdate(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	p, err := svc.Update(ctx, "u1", func(p *Profile) error {
		p.Name = "Demo User"
		p.Language = "hi"
		p.Goals = []string{"Reduce anxiety", "Better sleep"}
		p.ID = "someone-else"
		p.Subscription.Tier = entitlement.TierProfessional
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, entitlement.TierFree, p.Subscription.Tier, "subscription is not user-editable")

	stored, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Demo User", stored.Name)
	assert.Equal(t, "hi", stored.Language)
	assert.Equal(t, []string{"Reduce anxiety", "Better sleep"}, stored.Goals)
}

func TestUpdate_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, "u1", func(p *Profile) error {
		p.Timezone = "Nowhere/City"
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = svc.Update(ctx, "u1", func(p *Profile) error {
		p.Language = "de"
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	boom := errors.New("boom")
	_, err = svc.Update(ctx, "u1", func(p *Profile) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestApplySubscription_Idempotency(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	tiers := &recordingTiers{}
	svc.NotifyTierChanges(tiers)

	t1 := start.Add(time.Hour)
	applied, err := svc.ApplySubscription(ctx, "u1", SubscriptionChange{Tier: entitlement.TierPremium, EventTime: t1})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, entitlement.TierPremium, tiers.tiers["u1"])

	// Replay of the same event
	applied, err = svc.ApplySubscription(ctx, "u1", SubscriptionChange{Tier: entitlement.TierPremium, EventTime: t1})
	require.NoError(t, err)
	assert.False(t, applied)

	// Out-of-order older event
	applied, err = svc.ApplySubscription(ctx, "u1", SubscriptionChange{Tier: entitlement.TierFree, EventTime: start})
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, p.Subscription.Tier)

	_, err = svc.ApplySubscription(ctx, "u1", SubscriptionChange{Tier: "gold", EventTime: t1.Add(time.Hour)})
	assert.ErrorIs(t, err, entitlement.ErrInvalidTier)
}

func TestApplySubscription_TierPushFailureIsNotFatal(t *testing.T) {
	svc, _, _ := newService(t)
	svc.NotifyTierChanges(&recordingTiers{err: errors.New("closed")})

	applied, err := svc.ApplySubscription(context.Background(), "u1",
		SubscriptionChange{Tier: entitlement.TierProfessional, EventTime: start})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestUpgrade_ExpiresAfterThirtyDays(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	p, err := svc.Upgrade(ctx, "u1", entitlement.TierPremium)
	require.NoError(t, err)
	require.NotNil(t, p.Subscription.ExpiresAt)
	assert.True(t, start.Add(UpgradePeriod).Equal(*p.Subscription.ExpiresAt))
	assert.True(t, p.Subscription.AutoRenew)
	assert.Equal(t, entitlement.TierPremium, p.EffectiveTier(clock.Now()))

	settings, err := svc.Settings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, settings.Tier)
	assert.Equal(t, "Asia/Kolkata", settings.Location.String())

	clock.Add(UpgradePeriod)
	assert.Equal(t, entitlement.TierFree, p.EffectiveTier(clock.Now()))
	settings, err = svc.Settings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, settings.Tier)

	clock.Add(time.Minute)
	p, err = svc.Upgrade(ctx, "u1", entitlement.TierFree)
	require.NoError(t, err)
	assert.Nil(t, p.Subscription.ExpiresAt)
	assert.False(t, p.Subscription.AutoRenew)
}

func TestEffectiveTier(t *testing.T) {
	past := start.Add(-time.Hour)
	future := start.Add(time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want entitlement.Tier
	}{
		{"free", Subscription{Tier: entitlement.TierFree}, entitlement.TierFree},
		{"premium no expiry", Subscription{Tier: entitlement.TierPremium}, entitlement.TierPremium},
		{"premium active", Subscription{Tier: entitlement.TierPremium, ExpiresAt: &future}, entitlement.TierPremium},
		{"professional expired", Subscription{Tier: entitlement.TierProfessional, ExpiresAt: &past}, entitlement.TierFree},
		{"unknown tier", Subscription{Tier: "gold"}, entitlement.TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{Subscription: tt.sub}
			assert.Equal(t, tt.want, p.EffectiveTier(start))
		})
	}
}

func TestSettings_DrivesRegistry(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()

	_, err := svc.Upgrade(ctx, "u1", entitlement.TierProfessional)
	require.NoError(t, err)

	reg, err := entitlement.NewRegistry(store, entitlement.Config{Clock: clock}, svc)
	require.NoError(t, err)
	defer reg.Close(ctx)
	svc.NotifyTierChanges(reg)

	tr, err := reg.Tracker(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierProfessional, tr.Tier())

	clock.Add(time.Minute)
	_, err = svc.Upgrade(ctx, "u1", entitlement.TierFree)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, tr.Tier())
}

func TestSettings_LiveTrackerDropsToFreeOnExpiry(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()

	_, err := svc.Upgrade(ctx, "u1", entitlement.TierPremium)
	require.NoError(t, err)

	reg, err := entitlement.NewRegistry(store, entitlement.Config{Clock: clock}, svc)
	require.NoError(t, err)
	defer reg.Close(ctx)
	svc.NotifyTierChanges(reg)

	tr, err := reg.Tracker(ctx, "u1")
	require.NoError(t, err)
	d, err := tr.CheckUsageLimit(entitlement.FeatureArtTherapy)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Unlimited, d.Remaining)

	// Nothing renews a direct upgrade; the same tracker enforces free limits afterwards.
	clock.Add(40 * 24 * time.Hour)
	again, err := reg.Tracker(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.Equal(t, entitlement.TierFree, tr.Tier())
	d, err = tr.CheckUsageLimit(entitlement.FeatureArtTherapy)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Decision{Allowed: true, Remaining: 1}, d)

	// A renewal pushes the new expiry to the live tracker.
	_, err = svc.Upgrade(ctx, "u1", entitlement.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, tr.Tier())
}
