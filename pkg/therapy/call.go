package therapy

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// ErrCallEnded is returned by End on a call that was already ended
var ErrCallEnded = errors.New("call already ended")

// CallMeter meters video counseling calls in whole minutes.
type CallMeter struct {
	Clock entitlement.Clock
}

// Call is a running counseling session.
type Call struct {
	gate    Gate
	clock   entitlement.Clock
	started time.Time
	// Budget is the number of minutes left when the call started, or
	// entitlement.Unlimited.
	Budget int

	mu    sync.Mutex
	ended bool
}

// Start opens a call when tictacMinutes has allowance left.
func (m *CallMeter) Start(gate Gate) (*Call, error) {
	d, err := gate.CheckUsageLimit(entitlement.FeatureTictacMinutes)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, ErrLimitReached
	}
	clock := m.Clock
	if clock == nil {
		clock = entitlement.SystemClock{}
	}
	return &Call{gate: gate, clock: clock, started: clock.Now(), Budget: d.Remaining}, nil
}

// StartedAt is when the call was opened.
func (c *Call) StartedAt() time.Time { return c.started }

// Elapsed is the time since the call started.
func (c *Call) Elapsed() time.Duration {
	return c.clock.Now().Sub(c.started)
}

// End stops the call and records its minutes, rounded up with a minimum of one.
func (c *Call) End() (int, error) {
	return c.EndWith(c.gate)
}

// EndWith is End, recording the minutes on gate instead of the gate the
// call started with. Long calls use it with a freshly looked-up tracker.
func (c *Call) EndWith(gate Gate) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return 0, ErrCallEnded
	}
	c.ended = true

	minutes := BilledMinutes(c.Elapsed())
	if err := gate.TrackUsage(entitlement.FeatureTictacMinutes, minutes); err != nil {
		return 0, err
	}
	return minutes, nil
}

// BilledMinutes rounds d up to whole minutes, never below one.
func BilledMinutes(d time.Duration) int {
	m := int(math.Ceil(d.Seconds() / 60))
	if m < 1 {
		return 1
	}
	return m
}
