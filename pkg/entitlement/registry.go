package entitlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultResolveRetryInterval spaces settings lookups for a user whose
// previous lookup failed.
const DefaultResolveRetryInterval = 30 * time.Second

// UserSettings are the per-user inputs a tracker needs besides its counters.
type UserSettings struct {
	Tier Tier
	// ExpiresAt ends a paid tier (optional)
	ExpiresAt *time.Time
	Location  *time.Location
}

// SettingsResolver looks up the tier and timezone of a user.
type SettingsResolver interface {
	Settings(ctx context.Context, userID string) (UserSettings, error)
}

type registryEntry struct {
	tracker *Tracker
	// lastUsed is the clock time of the last lookup, in Unix nanoseconds.
	lastUsed atomic.Int64
	// unresolved is set while the tracker runs on the free-tier fallback.
	unresolved  atomic.Bool
	nextResolve atomic.Int64
}

// Registry owns at most one Tracker per user in this process, which makes
// the process the single writer of each user's record: every session of a
// user shares one daily counter set.
type Registry struct {
	store    Store
	base     Config
	resolver SettingsResolver
	clock    Clock

	mu       sync.RWMutex
	trackers map[string]*registryEntry
	// evicting holds users whose evicted tracker is still flushing.
	evicting map[string]chan struct{}
	closed   bool
	group    singleflight.Group
	resolves singleflight.Group
}

// NewRegistry creates a registry. base is the template for every tracker;
// its UserID, Tier and Location are filled per user.
func NewRegistry(store Store, base Config, resolver SettingsResolver) (*Registry, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if base.Limits != nil {
		if err := base.Limits.Validate(); err != nil {
			return nil, err
		}
	}
	if base.Logger == nil {
		base.Logger = &NoopLogger{}
	}
	clock := base.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		store:    store,
		base:     base,
		resolver: resolver,
		clock:    clock,
		trackers: make(map[string]*registryEntry),
		evicting: make(map[string]chan struct{}),
	}, nil
}

// Tracker returns the user's tracker, creating and rehydrating it on first use.
// Concurrent first calls for one user share a single load. A tracker created
// while the settings lookup failed retries the lookup on later calls.
func (r *Registry) Tracker(ctx context.Context, userID string) (*Tracker, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	now := r.clock.Now()
	e, ok := r.trackers[userID]
	if ok {
		// Stored under the read lock so EvictIdle never closes a tracker
		// that was just handed out.
		e.lastUsed.Store(now.UnixNano())
	}
	r.mu.RUnlock()
	if ok {
		if e.unresolved.Load() && now.UnixNano() >= e.nextResolve.Load() {
			r.retryResolve(ctx, userID, e, now)
		}
		return e.tracker, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		if err := r.waitEvicted(ctx, userID); err != nil {
			return nil, err
		}
		r.mu.RLock()
		existing, ok := r.trackers[userID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		cfg := r.base
		cfg.UserID = userID
		resolved := true
		if r.resolver != nil {
			settings, err := r.resolver.Settings(ctx, userID)
			if err != nil {
				// Without a confirmed tier the user gets the free-tier limits.
				r.base.Logger.Warn("settings lookup failed, using free tier",
					Field{"user_id", userID}, Field{"error", err})
				cfg.Tier = TierFree
				resolved = false
			} else {
				cfg.Tier = settings.Tier
				cfg.TierExpiresAt = settings.ExpiresAt
				if settings.Location != nil {
					cfg.Location = settings.Location
				}
			}
		}

		nt, err := New(ctx, r.store, cfg)
		if err != nil {
			return nil, err
		}

		now := r.clock.Now()
		ne := &registryEntry{tracker: nt}
		ne.lastUsed.Store(now.UnixNano())
		if !resolved {
			ne.unresolved.Store(true)
			ne.nextResolve.Store(now.Add(DefaultResolveRetryInterval).UnixNano())
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = nt.Close(context.Background()) //nolint:errcheck // registry already shut down
			return nil, ErrClosed
		}
		r.trackers[userID] = ne
		return ne, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registryEntry).tracker, nil
}

// retryResolve looks the settings up again for a tracker that fell back to
// the free tier. The timezone is fixed at creation; only the tier changes.
func (r *Registry) retryResolve(ctx context.Context, userID string, e *registryEntry, now time.Time) {
	e.nextResolve.Store(now.Add(DefaultResolveRetryInterval).UnixNano())
	_, _, _ = r.resolves.Do(userID, func() (interface{}, error) {
		settings, err := r.resolver.Settings(ctx, userID)
		if err != nil {
			r.base.Logger.Debug("settings lookup still failing",
				Field{"user_id", userID}, Field{"error", err})
			return nil, err
		}
		if err := e.tracker.SetSubscription(settings.Tier, settings.ExpiresAt); err != nil {
			return nil, err
		}
		e.unresolved.Store(false)
		return nil, nil
	})
}

// waitEvicted blocks until an evicted tracker of the user has finished its
// final write, so the replacement loads the latest counters.
func (r *Registry) waitEvicted(ctx context.Context, userID string) error {
	r.mu.RLock()
	done, ok := r.evicting[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTier updates the tier of a live tracker, without an expiry.
func (r *Registry) SetTier(userID string, tier Tier) error {
	return r.SetSubscription(userID, tier, nil)
}

// SetSubscription updates the tier and its expiry on a live tracker. Users
// without a loaded tracker pick the subscription up from the resolver on
// first use.
func (r *Registry) SetSubscription(userID string, tier Tier, expiresAt *time.Time) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	r.mu.RLock()
	e, ok := r.trackers[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := e.tracker.SetSubscription(tier, expiresAt); err != nil {
		return err
	}
	e.unresolved.Store(false)
	return nil
}

// Len returns the number of loaded trackers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}

// EvictIdle closes and drops trackers not looked up for at least ttl.
// Trackers with unwritten changes stay loaded until the write succeeds.
// It returns the number of trackers evicted.
func (r *Registry) EvictIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := r.clock.Now().Add(-ttl).UnixNano()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	type victim struct {
		userID string
		t      *Tracker
		done   chan struct{}
	}
	var victims []victim
	for userID, e := range r.trackers {
		if e.lastUsed.Load() > cutoff || e.tracker.pending() {
			continue
		}
		done := make(chan struct{})
		r.evicting[userID] = done
		delete(r.trackers, userID)
		victims = append(victims, victim{userID, e.tracker, done})
	}
	r.mu.Unlock()

	for _, v := range victims {
		if err := v.t.Close(ctx); err != nil {
			r.base.Logger.Warn("evicted tracker failed to flush",
				Field{"user_id", v.userID}, Field{"error", err})
		}
		r.mu.Lock()
		delete(r.evicting, v.userID)
		r.mu.Unlock()
		close(v.done)
	}
	if len(victims) > 0 {
		r.base.Logger.Debug("evicted idle trackers", Field{"count", len(victims)})
	}
	return len(victims)
}

// StartEviction runs EvictIdle every interval until stopped.
func (r *Registry) StartEviction(ctx context.Context, interval, ttl time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictIdle(ctx, ttl)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Close flushes and stops every tracker.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, e := range r.trackers {
		trackers = append(trackers, e.tracker)
	}
	evicting := make([]chan struct{}, 0, len(r.evicting))
	for _, done := range r.evicting {
		evicting = append(evicting, done)
	}
	r.mu.Unlock()

	for _, done := range evicting {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var errs []error
	for _, t := range trackers {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
