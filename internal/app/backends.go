package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/rulebox/internal/checkpoint"
	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/mongostore"
	"github.com/roach88/rulebox/internal/snapshot"
	"github.com/roach88/rulebox/internal/storage"
	"github.com/roach88/rulebox/internal/store"
)

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.MultiModelStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := store.Open(cfg.SQLitePath, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return st, nil
	case config.BackendMemory:
		return memstore.New(memstore.WithLogger(logger)), nil
	case config.BackendMongo:
		if cfg.MongoTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.MongoTimeout)
			defer cancel()
		}
		st, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, mongostore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, errs.Validation("unknown storage backend %q", cfg.Backend)
}

// Checkpoints returns the listener position store selected by config. A
// Redis client is opened on first use and closed with the App.
func (a *App) Checkpoints() (checkpoint.Store, error) {
	cfg := a.Config.Checkpoint
	switch cfg.Backend {
	case config.CheckpointStore:
		return checkpoint.NewDocuments(a.Store.Documents(), cfg.Collection), nil
	case config.CheckpointMemory:
		return checkpoint.NewMemory(), nil
	case config.CheckpointRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, client.Close)
		return checkpoint.NewRedis(checkpoint.RedisConfig{Client: client, KeyPrefix: cfg.KeyPrefix}), nil
	}
	return nil, errs.Validation("unknown checkpoint backend %q", cfg.Backend)
}

// Sink returns the snapshot destination selected by config: S3 when a
// bucket is set, the backup directory otherwise.
func (a *App) Sink(ctx context.Context) (snapshot.Sink, error) {
	cfg := a.Config.Backup
	if cfg.S3Bucket != "" {
		return snapshot.NewS3Sink(ctx, snapshot.S3Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	}
	return snapshot.NewFileSink(cfg.Dir)
}
