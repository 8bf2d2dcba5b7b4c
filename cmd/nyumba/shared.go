package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/artifact"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/dispatch"
	"github.com/jkaninda/nyumba/internal/home"
	"github.com/jkaninda/nyumba/internal/llm"
	"github.com/jkaninda/nyumba/internal/llm/openai"
	"github.com/jkaninda/nyumba/internal/observability"
	"github.com/jkaninda/nyumba/internal/sandbox"
	"github.com/jkaninda/nyumba/internal/storage"
	"github.com/jkaninda/nyumba/internal/tools"
	"github.com/jkaninda/nyumba/internal/tools/analysis"
	hometools "github.com/jkaninda/nyumba/internal/tools/home"
	historytool "github.com/jkaninda/nyumba/internal/tools/history"
	mcptools "github.com/jkaninda/nyumba/internal/tools/mcp"
	"github.com/jkaninda/nyumba/internal/workspace"
)

// SharedComponents holds the initialized subsystems every command mode
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store

	Obs       *observability.Observability
	Provider  llm.Provider
	Home      *home.MemoryProvider
	Runner    sandbox.ScriptRunner
	Artifacts *artifact.Store
	Registry  *tools.Registry
	Approvals *approval.Manager
	Agent     *agent.Agent

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the slog logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs the common initialization shared by serve and run
// modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace directories: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := storage.Open(cfg.Storage, ws.DatabasePath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Home state provider.
	provider := home.NewMemoryProvider(logger)
	if cfg.Home.SeedFile != "" {
		if err := provider.LoadSeed(cfg.Home.SeedFile); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("loading home seed %s: %w", cfg.Home.SeedFile, err)
		}
	}
	if cfg.Home.RecordStates {
		provider.SetRecorder(store.States())
		logger.Debug("entity state recording enabled")
	}
	sc.Home = provider

	// Sandbox runner.
	runner := sandbox.NewRunner(&cfg.Sandbox, cfg.Env(), ws, logger)
	var scriptRunner sandbox.ScriptRunner = runner
	if obs != nil && obs.Metrics != nil {
		scriptRunner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Runner = scriptRunner
	logger.Debug("sandbox initialized",
		slog.Bool("enabled", cfg.Sandbox.SandboxEnabled()),
		slog.String("runtime", cfg.Sandbox.RuntimeBinary()),
		slog.String("default_policy", cfg.Sandbox.PolicyName()),
	)

	// Artifact egress.
	validator := artifact.NewValidator(&cfg.Artifacts, logger)
	if obs != nil && obs.Metrics != nil {
		validator.WithObserver(func(accepted bool) {
			result := "rejected"
			if accepted {
				result = "accepted"
			}
			obs.Metrics.ArtifactValidationsTotal.WithLabelValues(result).Inc()
		})
	}
	artStore, err := artifact.NewStore(ws.ArtifactsDir(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing artifact store: %w", err)
	}
	sc.Artifacts = artStore

	// Tool registry.
	registry := tools.NewRegistry()
	registry.Register(hometools.NewStateTool(provider, logger))
	registry.Register(hometools.NewListTool(provider, logger))
	registry.Register(hometools.NewControlTool(provider, logger))
	registry.Register(
		analysis.New(scriptRunner, runner.Engine(), ws, validator, artStore, logger).
			WithRecorder(storage.NewAnalysisRecorder(store)),
	)
	if cfg.Tools.History != nil {
		historyTool := historytool.New(cfg.Tools.History, logger)
		registry.Register(historyTool)
		sc.addCleanup(func() {
			if err := historyTool.Close(); err != nil {
				logger.Error("closing history tool", slog.String("error", err.Error()))
			}
		})
	}
	logger.Debug("tools registered", slog.Any("tools", registry.List()))

	// MCP tool servers.
	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range cfg.Tools.MCP {
			discovered, mcpErr := bridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range discovered {
				registry.Register(t)
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
		logger.Debug("tools registered (with MCP)", slog.Any("tools", registry.List()))
	}
	sc.Registry = registry

	// Approval manager.
	approvals := approval.NewManager(cfg.Approval.TTL(), logger)
	sc.Approvals = approvals
	logger.Debug("approval manager initialized", slog.Duration("ttl", cfg.Approval.TTL()))

	// LLM provider.
	llmProvider := newLLMProvider(cfg, logger)
	if obs != nil && obs.Metrics != nil {
		llmProvider = observability.NewInstrumentedProvider(
			llm.AsStreaming(llmProvider), obs.Metrics, obs.TracerOrNil(), obs.Anomaly,
		)
	}
	sc.Provider = llmProvider
	logger.Debug("llm provider initialized",
		slog.String("provider", llmProvider.Name()),
		slog.String("model", cfg.Provider.Model),
	)

	// Dispatcher and agent.
	dispatcher := dispatch.New(registry, approvals, &cfg.Dispatch, logger)
	sc.Agent = agent.New(llmProvider, registry, dispatcher, approvals, &cfg.Provider, logger).
		WithConversationStore(store.Conversations()).
		WithSessions(func(ctx context.Context) (*gorm.DB, error) {
			return store.GormDB().WithContext(ctx), nil
		}).
		WithDispatchConfig(&cfg.Dispatch)

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeSandbox {
			runtimeBin := cfg.Sandbox.RuntimeBinary()
			obs.Health.AddCheck("sandbox", func(context.Context) error {
				_, err := exec.LookPath(runtimeBin)
				return err
			})
		}
	}

	return sc, nil
}

// newLLMProvider builds the model client, chaining fallback endpoints
// behind the primary when configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	primary := buildOpenAIClient(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL, "", logger)
	if len(cfg.Provider.Fallbacks) == 0 {
		return primary
	}

	providers := []llm.Provider{primary}
	for _, fb := range cfg.Provider.Fallbacks {
		providers = append(providers, buildOpenAIClient(fb.APIKey, fb.Model, fb.BaseURL, fb.Name, logger))
	}
	return llm.NewFallbackProvider(providers, logger)
}

// buildOpenAIClient creates one OpenAI-compatible client. The protocol
// also covers Ollama, LM Studio and similar local servers via baseURL.
func buildOpenAIClient(apiKey, model, baseURL, name string, logger *slog.Logger) llm.Provider {
	var opts []openai.Option
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if name != "" {
		opts = append(opts, openai.WithName(name))
	}
	return openai.NewClient(apiKey, model, logger, opts...)
}
