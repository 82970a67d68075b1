package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/storage/memory"
)

type stubResolver struct {
	calls    atomic.Int32
	mu       sync.Mutex
	settings map[string]entitlement.UserSettings
	err      error
}

func (r *stubResolver) Settings(_ context.Context, userID string) (entitlement.UserSettings, error) {
	r.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return entitlement.UserSettings{}, r.err
	}
	return r.settings[userID], nil
}

func (r *stubResolver) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func newRegistry(t *testing.T, resolver entitlement.SettingsResolver) (*entitlement.Registry, *memory.Storage) {
	t.Helper()
	reg, store, _ := newRegistryWithClock(t, resolver)
	return reg, store
}

func newRegistryWithClock(t *testing.T, resolver entitlement.SettingsResolver) (*entitlement.Registry, *memory.Storage, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := newFakeClock(day)
	reg, err := entitlement.NewRegistry(store, entitlement.Config{
		Location: time.UTC,
		Clock:    clock,
	}, resolver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg, store, clock
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := entitlement.NewRegistry(nil, entitlement.Config{}, nil)
	assert.ErrorIs(t, err, entitlement.ErrStorageUnavailable)

	_, err = entitlement.NewRegistry(memory.New(), entitlement.Config{Limits: entitlement.Limits{}}, nil)
	assert.Error(t, err)
}

func TestRegistry_SharesOneTrackerPerUser(t *testing.T) {
	resolver := &stubResolver{settings: map[string]entitlement.UserSettings{
		"alice": {Tier: entitlement.TierFree},
	}}
	reg, _ := newRegistry(t, resolver)
	ctx := context.Background()

	var wg sync.WaitGroup
	trackers := make([]*entitlement.Tracker, 20)
	for i := range trackers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := reg.Tracker(ctx, "alice")
			assert.NoError(t, err)
			trackers[i] = tr
		}(i)
	}
	wg.Wait()

	for _, tr := range trackers {
		assert.Same(t, trackers[0], tr)
	}
	assert.Equal(t, int32(1), resolver.calls.Load())
	assert.Equal(t, 1, reg.Len())

	// Two sessions of the same user draw from one counter set.
	require.NoError(t, trackers[0].TrackUsage(entitlement.FeatureArtTherapy, 1))
	again, err := reg.Tracker(ctx, "alice")
	require.NoError(t, err)
	d, err := again.CheckUsageLimit(entitlement.FeatureArtTherapy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRegistry_AppliesResolvedSettings(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	resolver := &stubResolver{settings: map[string]entitlement.UserSettings{
		"bob": {Tier: entitlement.TierPremium, Location: tokyo},
	}}
	reg, _ := newRegistry(t, resolver)

	tr, err := reg.Tracker(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, tr.Tier())
	// 14:30 UTC is 23:30 in Tokyo, still the same calendar day.
	assert.Equal(t, "2024-01-15", tr.Snapshot().Date)
}

func TestRegistry_ResolverFailureFallsBackToFree(t *testing.T) {
	resolver := &stubResolver{
		settings: map[string]entitlement.UserSettings{"carol": {Tier: entitlement.TierPremium}},
		err:      errors.New("profile store down"),
	}
	reg, _, clock := newRegistryWithClock(t, resolver)
	ctx := context.Background()

	tr, err := reg.Tracker(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, tr.Tier())

	// Lookups are retried no more than once per interval.
	resolver.fail(nil)
	_, err = reg.Tracker(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, tr.Tier())
	assert.Equal(t, int32(1), resolver.calls.Load())

	clock.Add(entitlement.DefaultResolveRetryInterval)
	again, err := reg.Tracker(ctx, "carol")
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.Equal(t, entitlement.TierPremium, tr.Tier())

	// Resolved trackers are not looked up again.
	clock.Add(entitlement.DefaultResolveRetryInterval)
	_, err = reg.Tracker(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int32(2), resolver.calls.Load())
}

func TestRegistry_ResolvedExpiryApplies(t *testing.T) {
	expires := day.Add(time.Hour)
	resolver := &stubResolver{settings: map[string]entitlement.UserSettings{
		"gina": {Tier: entitlement.TierPremium, ExpiresAt: &expires},
	}}
	reg, _, clock := newRegistryWithClock(t, resolver)

	tr, err := reg.Tracker(context.Background(), "gina")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, tr.Tier())

	clock.Add(time.Hour)
	assert.Equal(t, entitlement.TierFree, tr.Tier())
}

func TestRegistry_EvictIdle(t *testing.T) {
	reg, store, clock := newRegistryWithClock(t, nil)
	ctx := context.Background()

	idle, err := reg.Tracker(ctx, "hank")
	require.NoError(t, err)
	require.NoError(t, idle.TrackUsage(entitlement.FeatureAIAnalyses, 3))
	require.NoError(t, idle.Flush(ctx))

	clock.Add(20 * time.Minute)
	busy, err := reg.Tracker(ctx, "ivy")
	require.NoError(t, err)

	clock.Add(15 * time.Minute)
	assert.Equal(t, 1, reg.EvictIdle(ctx, 30*time.Minute))
	assert.Equal(t, 1, reg.Len())
	assert.ErrorIs(t, idle.TrackUsage(entitlement.FeatureAIAnalyses, 1), entitlement.ErrClosed)

	data, err := store.Get(ctx, entitlement.DefaultKeyPrefix+"hank")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aiAnalyses":3`)

	// The next lookup rehydrates a fresh tracker from the store.
	reloaded, err := reg.Tracker(ctx, "hank")
	require.NoError(t, err)
	assert.NotSame(t, idle, reloaded)
	d, err := reloaded.CheckUsageLimit(entitlement.FeatureAIAnalyses)
	require.NoError(t, err)
	assert.Equal(t, 7, d.Remaining)

	same, err := reg.Tracker(ctx, "ivy")
	require.NoError(t, err)
	assert.Same(t, busy, same)
}

func TestRegistry_EvictIdleKeepsUnwrittenTrackers(t *testing.T) {
	store := newFlakyStore()
	clock := newFakeClock(day)
	reg, err := entitlement.NewRegistry(store, entitlement.Config{
		Location:             time.UTC,
		Clock:                clock,
		RetryInitialInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	tr, err := reg.Tracker(ctx, "jack")
	require.NoError(t, err)
	store.fail(nil, errors.New("connection refused"))
	require.NoError(t, tr.TrackUsage(entitlement.FeatureArtTherapy, 1))
	require.Error(t, tr.Flush(ctx))

	clock.Add(time.Hour)
	assert.Equal(t, 0, reg.EvictIdle(ctx, time.Minute))
	assert.Equal(t, 1, reg.Len())

	store.fail(nil, nil)
	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, 1, reg.EvictIdle(ctx, time.Minute))
	assert.Equal(t, 0, reg.Len())
	require.NoError(t, reg.Close(ctx))
}

func TestRegistry_SetTier(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	ctx := context.Background()

	// No live tracker: nothing to update.
	require.NoError(t, reg.SetTier("dave", entitlement.TierPremium))
	assert.ErrorIs(t, reg.SetTier("dave", "gold"), entitlement.ErrInvalidTier)

	tr, err := reg.Tracker(ctx, "dave")
	require.NoError(t, err)
	require.NoError(t, reg.SetTier("dave", entitlement.TierProfessional))
	assert.Equal(t, entitlement.TierProfessional, tr.Tier())
}

func TestRegistry_CloseFlushesAndRejects(t *testing.T) {
	reg, store := newRegistry(t, nil)
	ctx := context.Background()

	tr, err := reg.Tracker(ctx, "erin")
	require.NoError(t, err)
	require.NoError(t, tr.TrackUsage(entitlement.FeatureAIAnalyses, 4))

	require.NoError(t, reg.Close(ctx))
	require.NoError(t, reg.Close(ctx))

	_, err = reg.Tracker(ctx, "erin")
	assert.ErrorIs(t, err, entitlement.ErrClosed)

	data, err := store.Get(ctx, entitlement.DefaultKeyPrefix+"erin")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aiAnalyses":4`)
}
