package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/aggregate"
	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
	"github.com/Kocoro-lab/orchestra/internal/config"
	"github.com/Kocoro-lab/orchestra/internal/db"
	"github.com/Kocoro-lab/orchestra/internal/decompose"
	"github.com/Kocoro-lab/orchestra/internal/engine"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/orchestrator"
	"github.com/Kocoro-lab/orchestra/internal/ratecontrol"
	"github.com/Kocoro-lab/orchestra/internal/streaming"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// app is the fully wired process.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *agents.Registry
	breakers   *circuitbreaker.Group
	decomposer *decompose.Decomposer
	events     *streaming.Manager
	redis      *redis.Client
	store      *db.Client
	intents    *config.Manager
	orch       *orchestrator.Orchestrator

	shutdownTracing func(context.Context) error
}

type appOptions struct {
	// watchIntents hot-reloads the signature library (long-running processes).
	watchIntents bool
	// persist opens the outcome store when store.dsn is set.
	persist bool
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func loadApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, logger, opts)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	shutdown, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	// Agents: each invocation passes the capability's breaker and rate limiter.
	a.breakers = circuitbreaker.NewGroup(cfg.Breaker(), logger)
	guard := agents.NewGuard(a.breakers, ratecontrol.NewLimiter(cfg.Agents.RateLimits), logger)
	a.registry = agents.NewRegistry(guard, logger)
	if err := registerAgents(a.registry, cfg, logger); err != nil {
		return nil, err
	}
	selector := agents.NewSelector(a.registry, logger)

	a.decomposer = decompose.NewDecomposer(nil, logger)
	if path := cfg.Intents.Path; path != "" {
		if opts.watchIntents {
			m, err := config.NewManager(path, a.decomposer, logger)
			if err != nil {
				return nil, err
			}
			if err := m.Start(ctx); err != nil {
				return nil, err
			}
			a.intents = m
		} else {
			lib, err := decompose.LoadLibrary(path)
			if err != nil {
				return nil, err
			}
			a.decomposer.SetLibrary(lib)
		}
	}

	var streamOpts []streaming.Option
	if addr := cfg.Streaming.RedisAddr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, event mirror disabled", zap.String("addr", addr), zap.Error(err))
			_ = a.redis.Close()
			a.redis = nil
		} else {
			streamOpts = append(streamOpts, streaming.WithRedisMirror(a.redis, cfg.Streaming.MaxLen, cfg.Streaming.TTL))
		}
	}
	a.events = streaming.NewManager(cfg.Streaming.RingCapacity, logger, streamOpts...)
	sinks := engine.Sinks{a.events}

	var orchOpts []orchestrator.Option
	if opts.persist && cfg.Store.DSN != "" {
		store, err := db.Open(ctx, db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, logger)
		if err != nil {
			return nil, err
		}
		a.store = store
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
		orchOpts = append(orchOpts, orchestrator.WithRecorder(store))
	}

	eng := engine.New(a.registry, logger,
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithEventSink(sinks),
		engine.WithStoreConfig(cfg.ContextStore()),
	)

	var summarizer aggregate.Summarizer
	if cfg.Aggregation.UseSummarizer {
		summarizer = aggregate.NewAgentSummarizer(a.registry, selector)
	}

	a.orch = orchestrator.New(
		a.decomposer,
		workflows.NewBuilder(selector, cfg.ErrorPolicy(), logger),
		eng,
		aggregate.New(summarizer, cfg.AggregatorConfig(), logger),
		cfg.ContextStore(),
		logger,
		orchOpts...,
	)
	ok = true
	return a, nil
}

// registerAgents binds HTTP agents when an agent service is configured and
// the offline builtins otherwise.
func registerAgents(r *agents.Registry, cfg *config.Config, logger *zap.Logger) error {
	url := cfg.Agents.LLMServiceURL
	if url == "" {
		logger.Info("No agent service configured, using builtin agents")
		return agents.RegisterBuiltins(r)
	}
	for _, c := range models.Capabilities() {
		name := agents.AgentName(c)
		if err := r.Register(c, func() (agents.Agent, error) {
			return agents.NewHTTPAgent(name, url, cfg.Agents.RequestTimeout, logger), nil
		}); err != nil {
			return err
		}
	}
	logger.Info("Agents delegate to service", zap.String("url", url))
	return nil
}

// Close releases everything buildApp opened, in reverse order.
func (a *app) Close(ctx context.Context) {
	if a.intents != nil {
		if err := a.intents.Stop(); err != nil {
			a.logger.Warn("Failed to stop signature watcher", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
