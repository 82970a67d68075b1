package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultKeyPrefix namespaces persisted usage records.
const DefaultKeyPrefix = "mindcare:usage:"

// Config holds tracker configuration
type Config struct {
	// UserID identifies the persisted record (required)
	UserID string

	// Tier is the active subscription tier (default: free)
	Tier Tier

	// TierExpiresAt ends a paid tier; from then on the free-tier limits apply (optional)
	TierExpiresAt *time.Time

	// Limits are the daily caps applied to the free tier (default: DefaultLimits)
	Limits Limits

	// Location is the user's timezone; calendar days roll over at its midnight (default: time.Local)
	Location *time.Location

	// Clock supplies the current time (default: SystemClock)
	Clock Clock

	// KeyPrefix is prepended to UserID to form the storage key (default: "mindcare:usage:")
	KeyPrefix string

	// Strict panics on programmer errors (unknown feature, invalid amount).
	// Enable in development and tests; production builds fail closed instead.
	Strict bool

	// OverLimitPolicy decides whether usage past the limit is recorded (default: allow)
	OverLimitPolicy OverLimitPolicy

	// SyncWrites persists inside TrackUsage before returning instead of
	// handing the write to the background writer.
	SyncWrites bool

	// WriteTimeout bounds each durable write (default: 5 seconds)
	WriteTimeout time.Duration

	// RetryInitialInterval is the first delay after a failed write (default: 500ms)
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the delay between write retries (default: 1 minute)
	RetryMaxInterval time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// ErrorHandler receives PersistenceError and CorruptStateError values
	// for diagnostics. It must not block.
	ErrorHandler func(error)
}

// Tracker owns the daily usage counters of one user.
//
// Counter updates happen synchronously under the tracker mutex; the durable
// write is handed to a background writer, so a CheckUsageLimit issued right
// after TrackUsage observes the new value even while the write is in flight.
type Tracker struct {
	mu sync.Mutex

	store      Store
	key        string
	userID     string
	clock      Clock
	loc        *time.Location
	strict     bool
	policy     OverLimitPolicy
	syncWrites bool
	timeout    time.Duration

	tier        Tier
	tierExpires *time.Time
	limits      Limits
	usage       map[Feature]int
	lastReset   string
	degraded    bool
	closed      bool

	// version counts mutations; persisted is the last version written.
	version   uint64
	persisted uint64

	// flushMu serializes writes so an older record never overwrites a newer one.
	flushMu sync.Mutex
	writer  *writer

	logger  Logger
	metrics Metrics
	onError func(error)
}

// New creates a tracker, rehydrates its persisted record and applies the
// daily reset before returning. A store that cannot be read does not fail
// construction: the tracker starts degraded and enforces free-tier limits
// until the store is reachable again.
func New(ctx context.Context, store Store, config Config) (*Tracker, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	// Set defaults
	if config.Tier == "" {
		config.Tier = TierFree
	}
	if !config.Tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, config.Tier)
	}
	if config.Limits == nil {
		config.Limits = DefaultLimits()
	}
	if err := config.Limits.Validate(); err != nil {
		return nil, err
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	switch config.OverLimitPolicy {
	case "":
		config.OverLimitPolicy = OverLimitAllow
	case OverLimitAllow, OverLimitReject:
	default:
		return nil, fmt.Errorf("unknown over-limit policy %q", config.OverLimitPolicy)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = 500 * time.Millisecond
	}
	if config.RetryMaxInterval <= 0 {
		config.RetryMaxInterval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	t := &Tracker{
		store:      store,
		key:        config.KeyPrefix + config.UserID,
		userID:     config.UserID,
		clock:      config.Clock,
		loc:        config.Location,
		strict:     config.Strict,
		policy:     config.OverLimitPolicy,
		syncWrites: config.SyncWrites,
		timeout:    config.WriteTimeout,
		tier:       config.Tier,
		limits:     config.Limits.Clone(),
		usage:      make(map[Feature]int),
		logger:     config.Logger,
		metrics:    config.Metrics,
		onError:    config.ErrorHandler,
	}
	if config.TierExpiresAt != nil {
		expires := *config.TierExpiresAt
		t.tierExpires = &expires
	}

	changed := t.load(ctx)

	if changed && !t.degraded {
		// The new date must be durable before any check is served.
		if err := t.flush(ctx); err != nil {
			t.logger.Warn("initial persist failed, will retry",
				Field{"user_id", t.userID}, Field{"error", err})
		}
	}

	t.writer = newWriter(t, config.RetryInitialInterval, config.RetryMaxInterval)
	if t.degraded || t.version != t.persisted {
		t.writer.kick()
	}

	return t, nil
}

// load reads the persisted record and reports whether in-memory state
// differs from what is stored.
func (t *Tracker) load(ctx context.Context) bool {
	today := DateKey(t.clock.Now(), t.loc)
	t.lastReset = today

	data, err := t.store.Get(ctx, t.key)
	switch {
	case errors.Is(err, ErrNotFound):
		t.metrics.RecordStateLoad("fresh")
		t.version++
		return true

	case err != nil:
		t.degraded = true
		t.metrics.RecordStateLoad("unavailable")
		t.logger.Error("usage state unavailable, enforcing free-tier limits",
			Field{"user_id", t.userID}, Field{"error", err})
		t.report(&PersistenceError{Key: t.key, Err: err})
		return false
	}

	rec, err := decodeRecord(data)
	if err != nil {
		t.metrics.RecordStateLoad("corrupt")
		t.logger.Error("corrupt usage state, starting fresh",
			Field{"user_id", t.userID}, Field{"error", err})
		t.report(&CorruptStateError{Key: t.key, Err: err})
		t.version++
		return true
	}

	t.metrics.RecordStateLoad("loaded")

	if rec.LastResetDate != today {
		t.metrics.RecordReset("startup")
		t.logger.Info("daily usage reset",
			Field{"user_id", t.userID}, Field{"from", rec.LastResetDate}, Field{"to", today})
		t.version++
		return true
	}

	t.lastReset = rec.LastResetDate
	t.mergeLocked(rec.Usage)
	return false
}

// mergeLocked adds stored counters for known features into memory.
func (t *Tracker) mergeLocked(stored map[Feature]int) {
	for f, v := range stored {
		if _, ok := t.limits[f]; !ok || v <= 0 {
			continue
		}
		t.usage[f] += v
	}
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if _, err := time.Parse(dateLayout, rec.LastResetDate); err != nil {
		return nil, fmt.Errorf("invalid lastResetDate %q: %w", rec.LastResetDate, err)
	}
	for f, v := range rec.Usage {
		if v < 0 {
			return nil, fmt.Errorf("negative usage %d for %s", v, f)
		}
	}
	return &rec, nil
}

// CheckUsageLimit answers whether the user may perform feature right now.
// An unknown feature is a programmer error: it panics in strict mode and
// otherwise returns ErrUnknownFeature with a denying decision.
func (t *Tracker) CheckUsageLimit(feature Feature) (Decision, error) {
	t.mu.Lock()
	t.rolloverLocked("access")
	limit, ok := t.limits[feature]
	if !ok {
		t.mu.Unlock()
		return Decision{}, t.invalid(fmt.Errorf("%w: %q", ErrUnknownFeature, feature))
	}
	tier := t.effectiveTierLocked()
	d := decide(tier, limit, t.usage[feature])
	t.mu.Unlock()

	t.metrics.RecordCheck(feature, tier, d.Allowed)
	return d, nil
}

// TrackUsage records that amount units of feature were used. It does not
// gate: callers check CheckUsageLimit first. Persistence failures never
// reach the caller; they go to the ErrorHandler and are retried.
func (t *Tracker) TrackUsage(feature Feature, amount int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	limit, ok := t.limits[feature]
	if !ok {
		t.mu.Unlock()
		return t.invalid(fmt.Errorf("%w: %q", ErrUnknownFeature, feature))
	}
	if amount <= 0 {
		t.mu.Unlock()
		return t.invalid(fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	}

	t.rolloverLocked("access")
	tier := t.effectiveTierLocked()
	used := t.usage[feature]
	over := !tier.Unlimited() && limit != Unlimited && used+amount > limit

	if over && t.policy == OverLimitReject {
		t.mu.Unlock()
		t.metrics.RecordUsage(feature, tier, amount, false)
		return ErrQuotaExceeded
	}

	t.usage[feature] = used + amount
	t.version++
	newUsed := t.usage[feature]
	t.mu.Unlock()

	if over {
		t.logger.Warn("usage recorded past daily limit",
			Field{"user_id", t.userID}, Field{"feature", string(feature)},
			Field{"used", newUsed}, Field{"limit", limit})
	}
	t.metrics.RecordUsage(feature, tier, amount, true)

	if t.syncWrites {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		err := t.flush(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	t.writer.kick()
	return nil
}

// Use gates fn on feature: it checks the limit, runs fn and records amount
// on success. The tracker lock is not held while fn runs.
func (t *Tracker) Use(feature Feature, amount int, fn func() error) error {
	d, err := t.CheckUsageLimit(feature)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrQuotaExceeded
	}
	if err := fn(); err != nil {
		return err
	}
	return t.TrackUsage(feature, amount)
}

// Snapshot returns a read-only view of every counter for display.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked("access")

	tier := t.effectiveTierLocked()
	snap := Snapshot{
		UserID:   t.userID,
		Date:     t.lastReset,
		Tier:     tier,
		Degraded: t.degraded,
		Features: make(map[Feature]FeatureUsage, len(t.limits)),
	}
	for f, limit := range t.limits {
		used := t.usage[f]
		d := decide(tier, limit, used)
		fu := FeatureUsage{Used: used, Limit: limit, Remaining: d.Remaining, Allowed: d.Allowed}
		switch {
		case d.Remaining == Unlimited:
			fu.State = StateUnlimited
			fu.Limit = Unlimited
		case d.Allowed:
			fu.State = StateWithinLimit
		default:
			fu.State = StateAtLimit
		}
		snap.Features[f] = fu
	}
	return snap
}

// ResetIfNeeded zeroes the counters when the local calendar day has changed
// since the last reset. Calling it again on the same day is a no-op.
func (t *Tracker) ResetIfNeeded() bool {
	return t.resetIfNeeded("access")
}

func (t *Tracker) resetIfNeeded(trigger string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolloverLocked(trigger)
}

// rolloverLocked applies the pull-based daily reset.
func (t *Tracker) rolloverLocked(trigger string) bool {
	today := DateKey(t.clock.Now(), t.loc)
	if today == t.lastReset {
		return false
	}

	from := t.lastReset
	t.usage = make(map[Feature]int, len(t.limits))
	t.lastReset = today
	t.version++
	if t.writer != nil {
		t.writer.kick()
	}

	t.metrics.RecordReset(trigger)
	t.logger.Info("daily usage reset",
		Field{"user_id", t.userID}, Field{"from", from}, Field{"to", today}, Field{"trigger", trigger})
	return true
}

// Today returns the user's current calendar date (YYYY-MM-DD), applying
// the daily reset first if the day has changed.
func (t *Tracker) Today() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked("access")
	return t.lastReset
}

// NextReset returns the local midnight at which the counters next reset.
func (t *Tracker) NextReset() time.Time {
	return NextMidnight(t.clock.Now(), t.loc)
}

// Tier returns the tier in force now: free once the subscription expired
// or while the store is unavailable.
func (t *Tracker) Tier() Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectiveTierLocked()
}

// SetTier switches to a tier without an expiry. Counters are kept, so a
// downgrade mid-day resumes the free-tier comparison against today's usage.
func (t *Tracker) SetTier(tier Tier) error {
	return t.SetSubscription(tier, nil)
}

// SetSubscription switches the tier until expiresAt; nil never expires.
func (t *Tracker) SetSubscription(tier Tier, expiresAt *time.Time) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	var expires *time.Time
	if expiresAt != nil {
		e := *expiresAt
		expires = &e
	}
	t.mu.Lock()
	old := t.tier
	t.tier = tier
	t.tierExpires = expires
	t.mu.Unlock()

	if old != tier {
		t.logger.Info("tier changed",
			Field{"user_id", t.userID}, Field{"from", string(old)}, Field{"to", string(tier)})
	}
	return nil
}

// SetLimits replaces the limits table. Counters of removed features are dropped.
func (t *Tracker) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.limits = limits.Clone()
	for f := range t.usage {
		if _, ok := t.limits[f]; !ok {
			delete(t.usage, f)
		}
	}
	t.version++
	t.mu.Unlock()

	t.writer.kick()
	return nil
}

// Flush synchronously writes the current record and returns any error.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.flush(ctx)
}

// Close stops background work and writes the final record.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.writer.stop()
	return t.flush(ctx)
}

func (t *Tracker) effectiveTierLocked() Tier {
	if t.degraded {
		return TierFree
	}
	if t.tier != TierFree && t.tierExpires != nil && !t.clock.Now().Before(*t.tierExpires) {
		return TierFree
	}
	return t.tier
}

// pending reports whether the latest state has not been written yet.
func (t *Tracker) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded || t.version != t.persisted
}

func decide(tier Tier, limit, used int) Decision {
	if tier.Unlimited() || limit == Unlimited {
		return Decision{Allowed: true, Remaining: Unlimited}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: used < limit, Remaining: remaining}
}

func (t *Tracker) recordLocked() Record {
	rec := Record{
		LastResetDate: t.lastReset,
		Usage:         make(map[Feature]int, len(t.limits)),
		Limits:        make(map[Feature]int, len(t.limits)),
	}
	for f, limit := range t.limits {
		rec.Usage[f] = t.usage[f]
		rec.Limits[f] = limit
	}
	return rec
}

// invalid handles programmer errors: loud in strict mode, fail closed otherwise.
func (t *Tracker) invalid(err error) error {
	t.logger.Error("invalid entitlement call", Field{"user_id", t.userID}, Field{"error", err})
	if t.strict {
		panic(err)
	}
	return err
}

func (t *Tracker) report(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
