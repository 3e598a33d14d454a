package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/firestore"
	"github.com/mihaimyh/gocredit/storage/memory"
	"github.com/mihaimyh/gocredit/storage/postgres"
	"github.com/mihaimyh/gocredit/storage/redis"
	"github.com/mihaimyh/gocredit/storage/tiered"
)

// openLedger builds the configured backend. The returned func releases its connections.
func openLedger(ctx context.Context, cfg *config.Config, logger gocredit.Logger) (gocredit.Ledger, func(), error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.New(), func() {}, nil

	case config.StorageRedis:
		storage, closeFn, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return storage, closeFn, nil

	case config.StoragePostgres:
		return openPostgres(ctx, cfg.DatabaseURL, logger)

	case config.StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		storage, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return storage, func() { _ = client.Close() }, nil

	case config.StorageTiered:
		// Postgres holds the truth; Redis (or process memory) serves balance reads
		cold, closeCold, err := openPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}

		var hot tiered.HotLedger = memory.New()
		closeHot := func() {}
		if cfg.RedisURL != "" {
			hot, closeHot, err = openRedis(ctx, cfg.RedisURL)
			if err != nil {
				closeCold()
				return nil, nil, err
			}
		}

		storage, err := tiered.New(tiered.Config{
			Hot:         hot,
			Cold:        cold,
			AsyncMirror: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("tiered ledger drift", gocredit.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			closeHot()
			closeCold()
			return nil, nil, err
		}
		return storage, func() {
			_ = storage.Close()
			closeHot()
			closeCold()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

func openRedis(ctx context.Context, url string) (*redis.Storage, func(), error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	storage, err := redis.New(client, redis.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	if err := storage.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return storage, func() { _ = client.Close() }, nil
}

func openPostgres(ctx context.Context, dsn string, logger gocredit.Logger) (gocredit.Ledger, func(), error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = dsn
	pgConfig.Logger = logger
	// creditd runs its own cleanup loop for every backend
	pgConfig.CleanupEnabled = false

	storage, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, nil, err
	}
	return storage, storage.Close, nil
}
