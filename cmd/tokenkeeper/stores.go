package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/datastore"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	tk "github.com/sitebook/tokenkeeper"
	"github.com/sitebook/tokenkeeper/internal/config"
	"github.com/sitebook/tokenkeeper/stores/fs"
	gaestore "github.com/sitebook/tokenkeeper/stores/gae"
	gormstore "github.com/sitebook/tokenkeeper/stores/gorm"
	redisstore "github.com/sitebook/tokenkeeper/stores/redis"
)

// openPersister builds the persister for the configured backend.
// The returned close func releases any client it opened.
func openPersister(ctx context.Context, cfg config.Store) (tk.Persister, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.BackendMemory:
		return nil, noop, nil

	case config.BackendFS:
		p, err := fs.NewPersister(cfg.Path, cfg.AppName)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil

	case config.BackendGorm:
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, noop, fmt.Errorf("failed to migrate database: %w", err)
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return gormstore.NewPersister(db, cfg.Key), closeDB, nil

	case config.BackendDatastore:
		client, err := datastore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create datastore client: %w", err)
		}
		return gaestore.NewPersister(client, cfg.Namespace, cfg.Key), func() { client.Close() }, nil

	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		p := redisstore.NewPersister(rdb, cfg.Key)
		p.TTL = cfg.RedisTTL
		return p, func() { rdb.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
