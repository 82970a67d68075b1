package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var mu sync.Mutex
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		mu.Lock()
		lastState = state
		mu.Unlock()
	})
	last := func() CircuitBreakerState {
		mu.Lock()
		defer mu.Unlock()
		return lastState
	}

	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, last())

	// Fail fast while open
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, last())

	for i := 0; i < threshold; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failed probe re-opens immediately
	err = cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}

func TestDefaultCircuitBreaker_CanceledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

// mapStore is a minimal Store for in-package tests
type mapStore struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
	gets   int
}

func newMapStore() *mapStore { return &mapStore{values: make(map[string][]byte)} }

func (s *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

func (s *mapStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestCircuitBreakerStore(t *testing.T) {
	ctx := context.Background()
	inner := newMapStore()
	cb := NewDefaultCircuitBreaker(2, time.Hour, nil)
	store := NewCircuitBreakerStore(inner, cb)

	t.Run("miss does not trip", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", []byte("v")))
		v, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})

	t.Run("opens on failures", func(t *testing.T) {
		inner.setErr(errors.New("connection reset"))
		_, err := store.Get(ctx, "k")
		assert.Error(t, err)
		assert.Error(t, store.Set(ctx, "k", []byte("x")))
		assert.Equal(t, StateOpen, cb.State())

		inner.setErr(nil)
		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})
}

func TestTracker_StartsDegradedBehindOpenBreaker(t *testing.T) {
	inner := newMapStore()
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)
	cb.Failure(errors.New("boom"))
	require.Equal(t, StateOpen, cb.State())

	tr, err := New(context.Background(), NewCircuitBreakerStore(inner, cb), Config{
		UserID:               "u1",
		Tier:                 TierProfessional,
		Location:             time.UTC,
		RetryInitialInterval: time.Hour,
	})
	require.NoError(t, err)
	defer tr.writer.stop()

	assert.True(t, tr.Snapshot().Degraded)
	d, err := tr.CheckUsageLimit(FeatureArtTherapy)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 1}, d)

	inner.mu.Lock()
	assert.Equal(t, 0, inner.gets)
	inner.mu.Unlock()
}
