package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/mindcare/pkg/config"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	fsstore "github.com/mihaimyh/mindcare/storage/firestore"
	"github.com/mihaimyh/mindcare/storage/memory"
	"github.com/mihaimyh/mindcare/storage/postgres"
	redisstore "github.com/mihaimyh/mindcare/storage/redis"
	"github.com/mihaimyh/mindcare/storage/sqlite"
	"github.com/mihaimyh/mindcare/storage/tiered"
)

// closers releases backend resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore builds the configured backend. The caller closes the returned
// closers after the registry has flushed.
func openStore(ctx context.Context, cfg *config.Config, logger entitlement.Logger) (entitlement.Store, closers, error) {
	var cl closers
	store, err := openBackend(ctx, cfg.Storage, cfg, logger, &cl)
	if err != nil {
		_ = cl.close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	return store, cl, nil
}

func openBackend(ctx context.Context, backend string, cfg *config.Config, logger entitlement.Logger, cl *closers) (entitlement.Store, error) {
	switch backend {
	case config.StorageMemory:
		return memory.New(), nil

	case config.StorageSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		cl.add(s.Close)
		return s, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		s, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close() //nolint:errcheck // already failing
			return nil, err
		}
		cl.add(s.Close)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return s, nil

	case config.StoragePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		cl.add(func() error { s.Close(); return nil })
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return s, nil

	case config.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		cl.add(client.Close)
		return fsstore.New(client, fsstore.Config{Collection: cfg.FirestoreCollection})

	case config.StorageTiered:
		hot, err := openBackend(ctx, config.StorageRedis, cfg, logger, cl)
		if err != nil {
			return nil, err
		}
		cold, err := openBackend(ctx, cfg.TieredCold, cfg, logger, cl)
		if err != nil {
			return nil, err
		}
		s, err := tiered.New(tiered.Config{
			Hot:             hot,
			Cold:            cold,
			AsyncColdWrites: true,
			AsyncErrorHandler: func(err error) {
				logger.Error("tiered cold write failed", entitlement.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
