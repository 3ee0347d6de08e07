package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/cachebus"
	"tenantguard.org/internal/config"
	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/rbac"
	"tenantguard.org/internal/store/pg"
)

// app bundles the engine with the resources it was built from.
type app struct {
	logger *logrus.Logger
	store  *pg.Store
	svc    *rbac.Service
	redis  *redis.Client
	bus    *cachebus.Bus
}

func openStore(c config.Config) (*pg.Store, error) {
	if c.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required (set %sDATABASE_DSN)", config.EnvPrefix)
	}
	return pg.Open(c.Database.DSN, pg.PoolOptions{
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	})
}

func openApp(ctx context.Context, c config.Config) (*app, error) {
	logger := obs.Logger()
	store, err := openStore(c)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, store: store}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	catalog, err := rbac.LoadCatalog(ctx, store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load permission catalog: %w", err)
	}
	if catalog.Len() == 0 {
		defaults := rbac.DefaultPermissions()
		if err := store.EnsurePermissions(ctx, defaults); err != nil {
			a.Close()
			return nil, fmt.Errorf("bootstrap permission catalog: %w", err)
		}
		catalog.Register(defaults...)
		logger.WithField("permissions", len(defaults)).Warn("permission catalog was empty, registered defaults")
	}

	opts := []rbac.ServiceOption{
		rbac.WithCatalog(catalog),
		rbac.WithEmitter(audit.NewLogEmitter(logger)),
		rbac.WithLogger(logger),
		rbac.WithMaxDepth(c.RBAC.MaxDepth),
		rbac.WithSerializableRevocations(c.RBAC.SerializableRevocations),
	}
	if c.RBAC.DisableCache {
		opts = append(opts, rbac.WithCache(nil))
	} else {
		cache, err := rbac.NewCache(c.RBAC.CacheSize)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, rbac.WithCache(cache))
	}
	if c.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		a.bus = cachebus.New(a.redis, c.Redis.Channel, cachebus.WithLogger(logger))
		opts = append(opts, rbac.WithInvalidationNotifier(a.bus))
	}

	a.svc, err = rbac.NewService(store, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("close database")
		}
	}
}
