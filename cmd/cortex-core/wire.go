package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/config"
	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/metrics"
	"github.com/normanking/cortexcore/internal/orchestrator"
	"github.com/normanking/cortexcore/internal/perception"
	"github.com/normanking/cortexcore/internal/resource"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
	"github.com/normanking/cortexcore/internal/server"
)

// app is a fully wired core plus the background loops it needs.
type app struct {
	cfg      *config.Config
	db       *data.DB
	redis    *redis.Client
	registry *prometheus.Registry
	engine   *affect.Engine
	monitor  *degradation.Monitor
	router   *router.Router
	net      *safety.Net
	core     *orchestrator.Core
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRING
// ═══════════════════════════════════════════════════════════════════════════════

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: metrics.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg := a.cfg
	mx := metrics.New(a.registry)

	if a.db, err = data.Open(cfg.DBPath()); err != nil {
		return err
	}

	a.engine = affect.NewEngine(cfg.Affect.EngineConfig())
	a.monitor = degradation.NewMonitor(cfg.Degradation.MonitorConfig(), degradation.WithMetrics(mx))

	a.router, err = router.FromConfigs(cfg.Router.Config, cfg.Router.Providers,
		router.WithObserver(a.monitor), router.WithMetrics(mx))
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	var retriever memory.Retriever
	switch cfg.Memory.Backend {
	case config.MemoryRemote:
		retriever = memory.NewRemoteRetriever(cfg.Memory.Remote)
	default:
		retriever = memory.NewKeywordRetriever(cfg.Memory.Keyword)
	}

	locker, err := a.buildLocker(ctx)
	if err != nil {
		return err
	}

	caps, err := safety.NewCapabilities(cfg.Safety.Tiers)
	if err != nil {
		return err
	}
	store := resource.NewSQLiteStore(a.db)
	a.net = safety.New(cfg.Safety.NetConfig(), caps, store, safety.NewSQLiteLog(a.db), locker,
		safety.WithPenalizer(a.engine), safety.WithModeSource(a.monitor), safety.WithMetrics(mx))
	for _, tool := range safety.ResourceTools(store) {
		if err := a.net.Register(tool); err != nil {
			return err
		}
	}

	perceiver := perception.New()
	if len(cfg.Pipeline.Cues) > 0 {
		if perceiver, err = perception.FromSpecs(cfg.Pipeline.Cues); err != nil {
			return err
		}
	}

	if err := a.registerDependencies(retriever); err != nil {
		return err
	}

	pipe, err := orchestrator.NewPipeline(cfg.Pipeline.Config, orchestrator.Deps{
		Engine:    a.engine,
		Perceiver: perceiver,
		Retriever: retriever,
		Generator: a.router,
		Modes:     a.monitor,
		Net:       a.net,
		Turns:     orchestrator.NewSQLiteTurnLog(a.db),
	}, orchestrator.WithMetrics(mx))
	if err != nil {
		return err
	}
	a.core = orchestrator.NewCore(pipe, orchestrator.NewPool(cfg.Pipeline.Workers), a.monitor, a.router)

	log.Info().
		Int("providers", len(cfg.Router.Providers)).
		Str("memory", cfg.Memory.Backend).
		Str("locks", cfg.Safety.LockBackend).
		Int("workers", cfg.Pipeline.Workers).
		Msg("Core wired")
	return nil
}

func (a *app) buildLocker(ctx context.Context) (resource.Locker, error) {
	if a.cfg.Safety.LockBackend != config.LockRedis {
		return resource.NewMemLocker(), nil
	}
	rc := a.cfg.Safety.Redis
	a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
	}
	return resource.NewRedisLocker(a.redis, rc.Prefix, rc.LockTTL), nil
}

// registerDependencies puts memory and the provider set behind the monitor.
// The database and Redis are reported but do not change the mode.
func (a *app) registerDependencies(retriever memory.Retriever) error {
	deps := []degradation.Dependency{
		{Name: "memory", Role: degradation.RoleMemory, Probe: retriever.Health},
		{Name: degradation.ProvidersDependency, Role: degradation.RoleGeneration, Probe: a.router.Probe},
		{Name: "database", Role: degradation.RoleStorage, Probe: a.db.Health},
	}
	if a.redis != nil {
		deps = append(deps, degradation.Dependency{
			Name: "redis", Role: degradation.RoleStorage,
			Probe: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	for _, d := range deps {
		if err := a.monitor.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// runBackground runs affect decay and health probing until ctx ends.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.monitor.Run(ctx)
		return nil
	})
}

// serve runs the API server and background loops until ctx ends.
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.runBackground(ctx, g)
	srv := server.New(a.core, a.cfg.Server, a.registry)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

// Close releases the database and Redis connections.
func (a *app) Close() error {
	var firstErr error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
