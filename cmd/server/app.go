package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/warp/travel-allowance/config"
	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/events/rabbit"
	"github.com/warp/travel-allowance/store/postgres"
	"github.com/warp/travel-allowance/store/sqlite"
	"github.com/warp/travel-allowance/travel"
	"github.com/warp/travel-allowance/travel/store"
)

// directoryStore is what both database backends provide.
type directoryStore interface {
	travel.Directory
	travel.AuditStore
}

// app holds the wired service and everything that must be closed.
type app struct {
	Engine  *travel.Engine
	Janitor *travel.Janitor

	logger  *slog.Logger
	bus     *events.ChanBus
	rabbit  *rabbit.Client
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, bus: events.NewChanBus(256)}

	var publisher events.Publisher = a.bus
	if cfg.Events.RabbitMQURL != "" {
		client, err := rabbit.Dial(cfg.Events.RabbitMQURL, cfg.Events.Queue, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		a.rabbit = client
		a.closers = append(a.closers, func() { client.Close() })
		publisher = client
	}

	var (
		dir   directoryStore
		sqlDB *sqlite.Store
		err   error
	)
	switch cfg.DB.Driver {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.DB.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pg.Publisher = publisher
		a.closers = append(a.closers, pg.Close)
		dir = pg
	default:
		sqlDB, err = openSQLite(cfg.DB.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		sqlDB.Publisher = publisher
		a.closers = append(a.closers, func() { sqlDB.Close() })
		dir = sqlDB
	}

	var cacheStore travel.CacheStore
	switch cfg.Cache.Backend {
	case "sqlite":
		if sqlDB == nil {
			// Postgres holds the directory; the cache gets its own file.
			sqlDB, err = openSQLite(cfg.DB.Path)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.closers = append(a.closers, func() { sqlDB.Close() })
		}
		cacheStore = sqlDB
	default:
		mem, err := store.NewMemoryCache(cfg.Cache.MaxEntries)
		if err != nil {
			a.Close()
			return nil, err
		}
		cacheStore = mem
	}

	cache := travel.NewCache(cacheStore, travel.CacheOptions{
		TTL:         cfg.Cache.TTL,
		ReadRetries: cfg.Cache.ReadRetries,
		Logger:      logger,
	})
	a.Engine = travel.NewEngine(travel.EngineConfig{
		Directory:   dir,
		Cache:       cache,
		Audit:       dir,
		RateTimeout: cfg.Rate.Timeout,
		Logger:      logger,
	})
	a.Janitor = travel.NewJanitor(cache, cfg.Janitor.Interval, logger)
	return a, nil
}

func openSQLite(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// Start launches the janitor and feeds change notifications into the
// invalidation coordinator until ctx is done.
func (a *app) Start(ctx context.Context) {
	a.Janitor.Start()
	a.closers = append(a.closers, a.Janitor.Stop)

	coordinator := a.Engine.Coordinator()

	local, err := a.bus.Subscribe()
	if err == nil {
		go coordinator.Run(ctx, local)
	}

	if a.rabbit != nil {
		changes, err := a.rabbit.Consume(ctx)
		if err != nil {
			a.logger.Error("change consumer not started, cache relies on TTL", "error", err)
			return
		}
		go coordinator.Run(ctx, changes)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
