package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"traffic-router/internal/api"
	"traffic-router/internal/config"
	"traffic-router/internal/engine"
	"traffic-router/internal/kv"
	"traffic-router/internal/listener"
	"traffic-router/internal/targets"
)

// App is the wired service: store, catalog, engine and HTTP handler.
type App struct {
	Store   kv.Store
	Repo    *targets.Repository
	Engine  *engine.Engine
	Handler http.Handler

	cfg     config.Config
	cache   *targets.CachedLister
	cleanup []func()
}

func openStore(ctx context.Context, cfg config.Config) (kv.Store, []func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := kv.NewPostgres(ctx, kv.PostgresConfig{
			DSN:      cfg.DSN(),
			MaxConns: cfg.Postgres.MaxOpenConns,
			MinConns: cfg.Postgres.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("dsn", cfg.DSNRedacted()).Msg("postgres store connected")
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		stop, err := pg.StartSweeper(ctx, cfg.Postgres.SweepSchedule)
		if err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, []func(){stop}, nil
	default:
		rs, err := kv.NewRedis(ctx, kv.RedisConfig{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, nil, nil
	}
}

// New opens the configured store and wires everything on top of it.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return Wire(ctx, cfg, store, cleanup...)
}

// Wire builds the app on an already opened store.
func Wire(ctx context.Context, cfg config.Config, store kv.Store, cleanup ...func()) (*App, error) {
	a := &App{Store: store, cfg: cfg, cleanup: cleanup}
	a.Repo = targets.NewRepository(store, targets.WithChangeChannel(cfg.Listener.Channel))

	if cfg.Targets.SeedFile != "" {
		if _, err := targets.Seed(ctx, a.Repo, cfg.Targets.SeedFile); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed targets: %w", err)
		}
	}

	var lister targets.Lister = a.Repo
	if cfg.Targets.CacheTTL > 0 {
		a.cache = targets.NewCachedLister(a.Repo, cfg.Targets.CacheTTL)
		a.Repo.OnChange(a.cache.Invalidate)
		lister = a.cache
	}

	a.Engine = engine.NewEngine(lister,
		engine.NewCapTracker(store, cfg.Engine.CounterTTL),
		engine.WithStrictCaps(cfg.Engine.StrictCaps),
		engine.WithConcurrency(cfg.Engine.Concurrency),
	)
	a.Handler = api.Router(api.NewHandler(a.Repo, a.Engine, store, cfg.Server.Version), cfg.Server.RequestTimeout)
	return a, nil
}

// StartListener follows other instances' writes while a cache is in use.
func (a *App) StartListener(ctx context.Context) {
	if a.cache == nil {
		return
	}
	go listener.ListenAndRefresh(ctx, a.Store, a.cfg.Listener.Channel, a.cache.Invalidate, a.cfg.Backoff())
}

func (a *App) Close() {
	for _, fn := range a.cleanup {
		fn()
	}
	if err := a.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	defer a.Close()

	a.StartListener(rootCtx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Store.Backend).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = srv.Shutdown(shCtx)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
