package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"lecsa/api/internal/actionlog"
	"lecsa/api/internal/app"
	"lecsa/api/internal/archive"
	"lecsa/api/internal/config"
	"lecsa/api/internal/metrics"
	"lecsa/api/internal/search"
	"lecsa/api/internal/session"
	"lecsa/api/internal/store"
	"lecsa/api/internal/store/memstore"
)

// runtime holds everything a command needs, wired the same way for serve
// and for one-off commands.
type runtime struct {
	cfg     config.Config
	store   store.Store
	engine  *archive.Engine
	search  *search.Service
	service *app.Service
	actions *actionlog.Logger
	metrics *metrics.Metrics

	closers []func()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, *sql.DB, error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Printf("Using in-memory store; records are lost on exit")
		st, err := memstore.New()
		return st, nil, err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return store.NewPostgresStore(db), db, nil
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	dataStore, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		for _, version := range applied {
			log.Printf("Applied migration %s", version)
		}
	}
	rt.store = dataStore

	rt.metrics = metrics.New()
	rt.actions = actionlog.New(dataStore, cfg.ActionLogBuffer, rt.metrics.ActionLogFailures)
	rt.closers = append(rt.closers, rt.actions.Close)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, meiliClient.Close)
	}
	var index search.Index
	if meiliClient != nil {
		index = meiliClient
	}
	rt.search = search.NewService(index, dataStore)

	rt.engine = archive.NewEngine(dataStore, archive.WithHooks(
		rt.actions.Hook,
		rt.search.Hook,
		rt.metrics.Hook,
	))

	var revocations session.Revocations
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		revocations = redisStore
	} else {
		log.Printf("Using the database for token revocation")
		revocations = session.StoreRevocations{Table: dataStore}
	}

	rt.service = app.NewService(cfg, app.Deps{
		Store:       dataStore,
		Engine:      rt.engine,
		Revocations: revocations,
		Search:      rt.search,
		Actions:     rt.actions,
		Metrics:     rt.metrics,
	})
	return rt, nil
}

// Close releases resources in reverse order of acquisition. The action log
// is drained before the store it writes to is closed.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
