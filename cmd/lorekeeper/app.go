package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"lorekeeper/internal/adapter/llm"
	"lorekeeper/internal/adapter/store"
	"lorekeeper/internal/adapter/tool"
	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
	"lorekeeper/internal/infra/logger"
	"lorekeeper/internal/infra/tracer"
	"lorekeeper/internal/usecase"
	"lorekeeper/internal/usecase/eventbus"
)

// app holds the wired runtime shared by the commands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.SQLiteStore
	bus      *eventbus.Bus
	sessions *usecase.SessionManager
	agent    *usecase.Agent
	reviewer *usecase.Reviewer

	closers []func() error
}

// loadConfig reads the config file, applies the quick-start flags and sets
// up logging.
func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := flags.quick.apply(cfg); err != nil {
		return nil, nil, nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, closeLog, nil
}

// openStore opens the entity store, creating its directory.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

// newApp wires config, logging, tracing, the store, the LLM stack and the
// agent. withLLM false skips providers for store-only commands.
func newApp(ctx context.Context, flags *rootFlags, withLLM bool) (*app, error) {
	cfg, log, closeLog, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func() error{closeLog}}

	// Spans go to stderr so they never interleave with streamed answers.
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, tracer.WithWriter(os.Stderr))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownTracer(context.Background()) })

	a.store, err = openStore(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	a.bus.SubscribeAll(eventLogger(log))

	a.reviewer = usecase.NewReviewer(usecase.ReviewerDeps{
		Backend: a.store,
		Bus:     a.bus,
		Logger:  log,
	})
	a.sessions = usecase.NewSessionManager(cfg.Agent.SessionDir)

	if !withLLM {
		return a, nil
	}

	_, defaultLLM, err := llm.Build(cfg.LLM, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.LLM.CircuitBreaker.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout,
		)
	}

	a.agent = usecase.NewAgent(usecase.AgentDeps{
		LLM:   defaultLLM,
		Tools: a.toolset,
		ContextBuilder: usecase.NewContextBuilder(usecase.ContextConfig{
			// Model stays empty so each provider, fallbacks included, uses its own.
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTokens:    cfg.Agent.MaxTokens,
			MaxMessages:  cfg.Agent.MaxMessages,
			Cache: domain.CacheHints{
				System:  cfg.Agent.Cache.System,
				Tools:   cfg.Agent.Cache.Tools,
				History: cfg.Agent.Cache.History,
			},
		}),
		Bus:             a.bus,
		ErrorClassifier: usecase.NewErrorClassifier(),
		Logger:          log,
		MaxIterations:   cfg.Agent.MaxIterations,
		LLMRetries:      cfg.Agent.LLMRetries,
		Timeout:         cfg.Agent.Timeout,
	})
	return a, nil
}

// toolset builds one session's tools behind a rate-limited registry.
func (a *app) toolset(s *usecase.Session) (domain.ToolExecutor, error) {
	rl := a.cfg.Tools.RateLimit
	var opts []tool.RegistryOption
	if rl.Enabled {
		opts = append(opts, tool.WithRateLimit(rl.PerMinute, rl.Burst))
	}
	reg := tool.NewRegistry(a.log, opts...)
	err := reg.Register(tool.NewSessionTools(tool.ToolsetDeps{
		Backend:   a.store,
		Proposals: s.Proposals,
		WorkItems: s.WorkItems,
		Config: tool.EntityToolsConfig{
			EntityTypes: a.cfg.Tools.EntityTypes,
			SearchLimit: a.cfg.Tools.SearchLimit,
		},
		Bus:    a.bus,
		Logger: a.log,
	})...)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// eventLogger records every bus event at debug level.
func eventLogger(log *slog.Logger) domain.EventHandler {
	return func(_ context.Context, ev domain.Event) {
		log.Debug("event",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"payload", string(ev.Payload),
		)
	}
}
