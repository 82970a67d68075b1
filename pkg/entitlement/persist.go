package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// writer persists the tracker record in the background.
// Kicks coalesce: the record is written whole, so only the latest state matters.
// Failed writes are retried on an exponential backoff schedule and on the
// next kick, whichever comes first.
type writer struct {
	t       *Tracker
	signal  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	backoff *backoff.ExponentialBackOff
	once    sync.Once
}

func newWriter(t *Tracker, initial, maxInterval time.Duration) *writer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval

	w := &writer{
		t:       t,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		backoff: bo,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// kick schedules a write without blocking.
func (w *writer) kick() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *writer) stop() {
	w.once.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *writer) run() {
	defer w.wg.Done()

	var retry *time.Timer
	var retryC <-chan time.Time

	for {
		select {
		case <-w.signal:
		case <-retryC:
			retryC = nil
		case <-w.done:
			if retry != nil {
				retry.Stop()
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.t.timeout)
		err := w.t.flush(ctx)
		cancel()

		if err == nil {
			w.backoff.Reset()
			if retry != nil {
				retry.Stop()
				retryC = nil
			}
			continue
		}

		delay := w.backoff.NextBackOff()
		if retry == nil {
			retry = time.NewTimer(delay)
		} else {
			retry.Stop()
			retry.Reset(delay)
		}
		retryC = retry.C
		w.t.logger.Debug("persist retry scheduled",
			Field{"user_id", w.t.userID}, Field{"delay", delay.String()})
	}
}

// flush writes the current record if it changed since the last write.
// A degraded tracker first re-reads the store and merges same-day counters,
// so usage recorded before the outage is not overwritten.
func (t *Tracker) flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if t.isDegraded() {
		if err := t.recover(ctx); err != nil {
			return t.persistFailed(err)
		}
	}

	t.mu.Lock()
	if t.version == t.persisted {
		t.mu.Unlock()
		return nil
	}
	rec := t.recordLocked()
	version := t.version
	t.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return t.persistFailed(err)
	}

	start := time.Now()
	err = t.store.Set(ctx, t.key, data)
	t.metrics.RecordPersistence(time.Since(start), err)
	if err != nil {
		return t.persistFailed(err)
	}

	t.mu.Lock()
	if version > t.persisted {
		t.persisted = version
	}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) isDegraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) recover(ctx context.Context) error {
	data, err := t.store.Get(ctx, t.key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	var stored *Record
	if err == nil {
		rec, decodeErr := decodeRecord(data)
		if decodeErr != nil {
			t.report(&CorruptStateError{Key: t.key, Err: decodeErr})
		} else {
			stored = rec
		}
	}

	t.mu.Lock()
	if stored != nil && stored.LastResetDate == t.lastReset {
		t.mergeLocked(stored.Usage)
	}
	t.degraded = false
	t.version++
	t.mu.Unlock()

	t.logger.Info("usage state recovered", Field{"user_id", t.userID})
	return nil
}

func (t *Tracker) persistFailed(err error) error {
	pe := &PersistenceError{Key: t.key, Err: err}
	t.logger.Warn("persist usage failed", Field{"user_id", t.userID}, Field{"error", err})
	t.report(pe)
	return pe
}
