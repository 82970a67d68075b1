package therapy

import (
	"context"
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

func newTracker(t *testing.T, tier entitlement.Tier, clock entitlement.Clock) *entitlement.Tracker {
	t.Helper()
	tr, err := entitlement.New(context.Background(), memory.New(), entitlement.Config{
		UserID:   "user_123",
		Tier:     tier,
		Location: time.UTC,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)}
}

func TestArtStudio_Generate(t *testing.T) {
	clock := newClock()
	tr := newTracker(t, entitlement.TierFree, clock)
	studio := &ArtStudio{Clock: clock}
	ctx := context.Background()

	art, err := studio.Generate(ctx, tr, Request{Mood: "anxious"})
	require.NoError(t, err)
	assert.Equal(t, "anxious", art.Mood)
	assert.Equal(t, "watercolor style anxious therapeutic art with calming colors in nature theme", art.Prompt)
	assert.Equal(t, "https://images.pexels.com/photos/417074/pexels-photo-417074.jpeg?auto=compress&cs=tinysrgb&w=800", art.ImageURL)
	assert.Equal(t, []string{"Promotes relaxation", "Reduces cortisol levels", "Encourages mindful breathing"}, art.Benefits)
	assert.True(t, clock.Now().Equal(art.GeneratedAt))

	// The free tier gets one piece a day.
	_, err = studio.Generate(ctx, tr, Request{Mood: "calm"})
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, 1, tr.Snapshot().Features[entitlement.FeatureArtTherapy].Used)

	clock.Add(24 * time.Hour)
	_, err = studio.Generate(ctx, tr, Request{Mood: "calm"})
	assert.NoError(t, err)
}

func TestArtStudio_UnknownMoodFallsBackToCalm(t *testing.T) {
	tr := newTracker(t, entitlement.TierPremium, newClock())
	studio := &ArtStudio{}

	art, err := studio.Generate(context.Background(), tr, Request{Mood: "bored", Style: "mandala", Colors: "warm", Theme: "ocean"})
	require.NoError(t, err)
	assert.Equal(t, "calm", art.Mood)
	assert.Equal(t, "mandala", art.Style)
	assert.Equal(t, "mandala style calm therapeutic art with warm colors in ocean theme", art.Prompt)
	assert.Contains(t, art.ImageURL, "/346529/")
}

func TestArtStudio_PremiumIsUnlimited(t *testing.T) {
	tr := newTracker(t, entitlement.TierPremium, newClock())
	studio := &ArtStudio{}
	for i := 0; i < 5; i++ {
		_, err := studio.Generate(context.Background(), tr, Request{Mood: "creative"})
		require.NoError(t, err)
	}
}

func TestBilledMinutes(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{10 * time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{29*time.Minute + 30*time.Second, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BilledMinutes(tt.d), tt.d.String())
	}
}

func TestCallMeter(t *testing.T) {
	clock := newClock()
	tr := newTracker(t, entitlement.TierFree, clock)
	meter := &CallMeter{Clock: clock}

	call, err := meter.Start(tr)
	require.NoError(t, err)
	assert.Equal(t, 30, call.Budget)

	clock.Add(12*time.Minute + 5*time.Second)
	minutes, err := call.End()
	require.NoError(t, err)
	assert.Equal(t, 13, minutes)

	_, err = call.End()
	assert.ErrorIs(t, err, ErrCallEnded)

	call, err = meter.Start(tr)
	require.NoError(t, err)
	assert.Equal(t, 17, call.Budget)

	// Calls that run past the budget are still recorded in full.
	clock.Add(20 * time.Minute)
	minutes, err = call.End()
	require.NoError(t, err)
	assert.Equal(t, 20, minutes)
	assert.Equal(t, 33, tr.Snapshot().Features[entitlement.FeatureTictacMinutes].Used)

	_, err = meter.Start(tr)
	assert.ErrorIs(t, err, ErrLimitReached)
}
