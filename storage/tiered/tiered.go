// Package tiered provides a Hot/Cold tiered store that pairs fast ephemeral
// storage (Hot) with durable persistent storage (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store (e.g., Redis, Memory) serving reads
	Hot entitlement.Store

	// Cold is the L2 store (e.g., Postgres, Firestore, SQLite) and the source of truth
	Cold entitlement.Store

	// AsyncColdWrites makes Set return once Hot is written and syncs Cold
	// in the background. If false, writes go to Cold first (slower but safer).
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async write fails or is dropped.
	AsyncErrorHandler func(error)
}

// Deleter is implemented by hot stores that can drop a key. When a hot
// write fails, the key is dropped so reads fall through to Cold.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Storage implements entitlement.Store over two backends:
// - Read-Through: Get tries Hot, then Cold, and fills Hot on a Cold hit
// - Write-Through: Set writes Cold, then Hot (default); a failed Hot write drops the Hot key
// - Hot-Primary/Async: Set writes Hot and queues the Cold write (AsyncColdWrites)
type Storage struct {
	hot  entitlement.Store
	cold entitlement.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncColdWrites {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Cold writes and stops the async worker.
func (s *Storage) Close() error {
	if s.conf.AsyncColdWrites {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially, so Cold sees writes in the order Hot did.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.runJob(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) runJob(job func() error) {
	if err := job(); err != nil {
		s.handleAsyncError(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Storage) handleAsyncError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// invalidate drops a hot key whose write failed, so the older hot copy is
// never served after Cold moved on.
func (s *Storage) invalidate(ctx context.Context, key string, setErr error) {
	d, ok := s.hot.(Deleter)
	if !ok {
		s.handleAsyncError(fmt.Errorf("tiered storage: hot write failed for %s, cached value may be stale: %w", key, setErr))
		return
	}
	if err := d.Delete(ctx, key); err != nil {
		s.handleAsyncError(fmt.Errorf("tiered storage: hot write and invalidation failed for %s: %w",
			key, errors.Join(setErr, err)))
	}
}

// Get implements entitlement.Store with read-through strategy.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.hot.Get(ctx, key)
	if err == nil {
		return value, nil
	}

	value, err = s.cold.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Cache fill; Cold already answered.
	_ = s.hot.Set(ctx, key, value) //nolint:errcheck
	return value, nil
}

// Set implements entitlement.Store.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if !s.conf.AsyncColdWrites {
		if err := s.cold.Set(ctx, key, value); err != nil {
			return err
		}
		if err := s.hot.Set(ctx, key, value); err != nil {
			s.invalidate(ctx, key, err)
		}
		return nil
	}

	if err := s.hot.Set(ctx, key, value); err != nil {
		return err
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	select {
	case <-s.shutdown:
		// Worker is gone: write Cold inline.
		return s.cold.Set(ctx, key, buf)
	default:
	}

	select {
	case s.syncQueue <- func() error {
		// Background context so the write outlives the caller's request.
		return s.cold.Set(context.Background(), key, buf)
	}:
	default:
		s.handleAsyncError(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
	return nil
}
