package main

import (
	"errors"
	"fmt"

	"nps-dashboard-server/config"
	"nps-dashboard-server/database"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/services"
)

// app is the dependency graph shared by the CLI commands.
type app struct {
	cfg *config.Config
	log *logger.Logger

	kv       database.KeyValueStore
	cache    *services.PersistenceCache
	filters  *services.FilterEngine
	store    *services.RecordStore
	progress *services.ProgressTracker
	metrics  *services.Metrics
	sync     *services.SyncEngine
	auth     *services.AuthService
	exporter services.SnapshotExporter
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	kv, err := database.NewKeyValueStore(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	clock := services.SystemClock{}
	cache := services.NewPersistenceCache(kv, clock, cfg.Sync.CacheTTL, log)
	filters := services.NewFilterEngine(cache, clock)
	store := services.NewRecordStore(filters, cache, log)
	progress := services.NewProgressTracker(cfg.Sync.FinishDelay)

	metrics := services.NewMetrics()
	store.OnChange(metrics.ObserveStore)

	engine := services.NewSyncEngine(services.SyncDeps{
		Store:    store,
		Cache:    cache,
		Filters:  filters,
		Source:   services.NewHTTPSource(cfg.Upstream, log),
		Progress: progress,
		Clock:    clock,
		Metrics:  metrics,
	}, cfg.Sync, log)

	a := &app{
		cfg:      cfg,
		log:      log,
		kv:       kv,
		cache:    cache,
		filters:  filters,
		store:    store,
		progress: progress,
		metrics:  metrics,
		sync:     engine,
		auth:     services.NewAuthService(cfg.Auth, clock, log),
	}

	exporter, err := services.NewCloudinaryExporter(cfg.Cloudinary, clock, log)
	switch {
	case errors.Is(err, services.ErrExportDisabled):
		log.Info("cloudinary is not configured, snapshot export disabled")
	case err != nil:
		_ = kv.Close()
		return nil, fmt.Errorf("init snapshot exporter: %w", err)
	default:
		a.exporter = exporter
	}

	return a, nil
}

// Close stops background work and releases the storage backend.
func (a *app) Close() {
	a.sync.Stop()
	a.progress.Stop()
	if err := a.kv.Close(); err != nil {
		a.log.Warn("failed to close storage", "error", err)
	}
}
