package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordCheck records the outcome of a CheckUsageLimit call.
	RecordCheck(feature Feature, tier Tier, allowed bool)

	// RecordUsage records an accepted or rejected TrackUsage call.
	RecordUsage(feature Feature, tier Tier, amount int, accepted bool)

	// RecordReset records a daily reset. trigger is "startup", "access" or "timer".
	RecordReset(trigger string)

	// RecordPersistence records the duration and status of a durable write.
	RecordPersistence(duration time.Duration, err error)

	// RecordStateLoad records how the persisted state was found on startup:
	// "fresh", "loaded", "corrupt" or "unavailable".
	RecordStateLoad(outcome string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(feature Feature, tier Tier, allowed bool)              {}
func (n *NoopMetrics) RecordUsage(feature Feature, tier Tier, amount int, accepted bool) {}
func (n *NoopMetrics) RecordReset(trigger string)                                        {}
func (n *NoopMetrics) RecordPersistence(duration time.Duration, err error)               {}
func (n *NoopMetrics) RecordStateLoad(outcome string)                                    {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                      {}
