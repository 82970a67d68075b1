package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
	"github.com/mihaimyh/mindcare/storage/memory"
)

// failingStore rejects every call
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Set(context.Context, string, []byte) error     { return f.err }

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncColdWrites: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncColdWrites: true, SyncBufferSize: 500})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 500, cap(storage.syncQueue))
	})
}

func TestStorage_Get_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, "k", []byte("cold")))

	got, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("cold"), got)

	// Hot was filled on the way back
	filled, err := hot.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("cold"), filled)

	_, err = storage.Get(ctx, "missing")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestStorage_Get_HotHitSkipsCold(t *testing.T) {
	hot := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: failingStore{err: errors.New("cold down")}})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "k", []byte("hot")))
	got, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hot"), got)
}

func TestStorage_Set_WriteThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "k", []byte("v")))

	for _, s := range []*memory.Storage{hot, cold} {
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	}
}

func TestStorage_Set_WriteThroughColdFailure(t *testing.T) {
	hot := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: failingStore{err: errors.New("cold down")}})
	defer storage.Close()
	ctx := context.Background()

	assert.Error(t, storage.Set(ctx, "k", []byte("v")))
	_, err := hot.Get(ctx, "k")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

// rejectingHot fails writes while keeping reads and deletes working
type rejectingHot struct {
	*memory.Storage
	setErr error
}

func (h *rejectingHot) Set(ctx context.Context, key string, value []byte) error {
	if h.setErr != nil {
		return h.setErr
	}
	return h.Storage.Set(ctx, key, value)
}

func TestStorage_Set_WriteThroughHotFailureInvalidates(t *testing.T) {
	hot := &rejectingHot{Storage: memory.New()}
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "k", []byte("v1")))
	hot.setErr = errors.New("hot down")
	require.NoError(t, storage.Set(ctx, "k", []byte("v2")))

	_, err := hot.Storage.Get(ctx, "k")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	got, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestStorage_Set_WriteThroughHotFailureReported(t *testing.T) {
	var reported []error
	storage, _ := New(Config{
		Hot:               failingStore{err: errors.New("hot down")},
		Cold:              memory.New(),
		AsyncErrorHandler: func(err error) { reported = append(reported, err) },
	})
	defer storage.Close()

	require.NoError(t, storage.Set(context.Background(), "k", []byte("v")))
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "may be stale")
}

func TestStorage_Set_AsyncCold(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncColdWrites: true})
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "k", []byte("v1")))
	require.NoError(t, storage.Set(ctx, "k", []byte("v2")))

	got, err := hot.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// Close drains the queue
	require.NoError(t, storage.Close())
	got, err = cold.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// Writes after Close go to Cold inline
	require.NoError(t, storage.Set(ctx, "k", []byte("v3")))
	got, err = cold.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)
}

func TestStorage_Set_AsyncErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var errs []error

	storage, _ := New(Config{
		Hot:             memory.New(),
		Cold:            failingStore{err: errors.New("cold down")},
		AsyncColdWrites: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	defer storage.Close()

	require.NoError(t, storage.Set(context.Background(), "k", []byte("v")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, errs[0].Error(), "tiered sync failed")
	mu.Unlock()
}

func TestStorage_TrackerOnTieredStore(t *testing.T) {
	cold := memory.New()
	storage, _ := New(Config{Hot: memory.New(), Cold: cold, AsyncColdWrites: true})
	ctx := context.Background()

	tr, err := entitlement.New(ctx, storage, entitlement.Config{UserID: "user1", Location: time.UTC})
	require.NoError(t, err)
	require.NoError(t, tr.TrackUsage(entitlement.FeatureAIAnalyses, 2))
	require.NoError(t, tr.Close(ctx))
	require.NoError(t, storage.Close())

	data, err := cold.Get(ctx, entitlement.DefaultKeyPrefix+"user1")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aiAnalyses":2`)
}
