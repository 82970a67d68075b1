package entitlement

import (
	"context"
	"time"
)

// StartMidnightRefresh resets the counters proactively at each local
// midnight while the process keeps running, and calls onReset with the
// fresh snapshot. The timer is re-armed from the clock after every firing.
// Every access performs the same reset, with or without this loop.
//
// The returned function stops the refresh loop.
func (t *Tracker) StartMidnightRefresh(ctx context.Context, onReset func(Snapshot)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			now := t.clock.Now()
			timer := time.NewTimer(NextMidnight(now, t.loc).Sub(now))

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-t.writer.done:
				timer.Stop()
				return
			case <-timer.C:
			}

			if t.resetIfNeeded("timer") && onReset != nil {
				onReset(t.Snapshot())
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
