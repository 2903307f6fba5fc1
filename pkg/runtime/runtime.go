// Package runtime assembles the full pipeline from configuration: provider
// registry and router, extension registry and dispatcher, storage, memory,
// prompt assembly, the agent runtime, the chain engine and the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ensemble-ai/ensemble/pkg/agent"
	"github.com/ensemble-ai/ensemble/pkg/auth"
	"github.com/ensemble-ai/ensemble/pkg/chains"
	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/extensions/docext"
	"github.com/ensemble-ai/ensemble/pkg/extensions/mcpext"
	"github.com/ensemble-ai/ensemble/pkg/extensions/workspaceext"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/memory"
	"github.com/ensemble-ai/ensemble/pkg/monitor"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
	"github.com/ensemble-ai/ensemble/pkg/providers"
	"github.com/ensemble-ai/ensemble/pkg/registry"
	"github.com/ensemble-ai/ensemble/pkg/server"
)

// Runtime holds the assembled components and owns their lifecycles.
type Runtime struct {
	Config  *config.Config
	Server  *server.Server
	Agent   *agent.Runtime
	Chains  *chains.Engine
	Monitor *monitor.Monitor

	store   conversations.Store
	memory  memory.Store
	prompts *prompt.Store
	agents  *registry.BaseRegistry[*config.AgentConfig]
	mcp     []*mcpext.Extension
	logger  *slog.Logger
}

// Build wires every component from the loaded config. Components that hold
// external resources are closed through Close.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log := logger.Get()

	provReg, err := providers.FromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	router := providers.NewRouter(provReg)

	// The memory backend embeds queries through the router, honoring the
	// configured embeddings provider.
	embedAgent := &config.AgentConfig{Name: "embedder", Settings: map[string]any{}}
	if cfg.Memory.EmbeddingsProvider != "" {
		embedAgent.Settings["embeddings_provider"] = cfg.Memory.EmbeddingsProvider
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return router.Embeddings(ctx, embedAgent, text)
	}

	mem, err := memory.Open(&cfg.Memory, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	store, err := conversations.Open(&cfg.Storage)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	rt := &Runtime{Config: cfg, store: store, memory: mem, logger: log}

	extReg := extensions.NewRegistry()
	if err := rt.registerExtensions(ctx, extReg); err != nil {
		rt.Close()
		return nil, err
	}
	dispatcher := extensions.NewDispatcher(extReg)

	prompts := prompt.NewStore()
	if err := prompts.Seed(cfg.Prompts); err != nil {
		rt.Close()
		return nil, fmt.Errorf("prompts: %w", err)
	}
	rt.prompts = prompts
	assembler := prompt.NewAssembler(prompts, mem, extReg, cfg.Memory.TopK)

	rt.Agent = agent.NewRuntime(router, assembler, dispatcher, store)

	rt.agents = registry.NewBaseRegistry[*config.AgentConfig]()
	rt.agents.ReplaceAll(cfg.Agents)
	resolver := func(name string) (*config.AgentConfig, error) {
		a, ok := rt.agents.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", name)
		}
		return a, nil
	}
	rt.Chains = chains.NewEngine(cfg.Chains, rt.Agent, dispatcher, resolver, cfg.Server.StepTimeout)
	rt.Agent.SetChainEngine(rt.Chains)

	rt.Monitor = monitor.New(cfg.Server.MaxHeavyTasks)

	authn, err := buildAuthenticator(ctx, &cfg.Server)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	rt.Server = server.New(server.Deps{
		Config:     cfg,
		Agents:     rt.agents,
		Runtime:    rt.Agent,
		Chains:     rt.Chains,
		Dispatcher: dispatcher,
		Extensions: extReg,
		Providers:  provReg,
		Prompts:    prompts,
		Store:      store,
		Monitor:    rt.Monitor,
		Auth:       authn,
	})
	return rt, nil
}

func (rt *Runtime) registerExtensions(ctx context.Context, reg *extensions.Registry) error {
	for name, ext := range rt.Config.Extensions {
		if !ext.IsEnabled() {
			continue
		}
		switch ext.Type {
		case "workspace":
			if err := reg.Register(workspaceext.New()); err != nil {
				return fmt.Errorf("extension %s: %w", name, err)
			}
		case "documents":
			if err := reg.Register(docext.New()); err != nil {
				return fmt.Errorf("extension %s: %w", name, err)
			}
		case "mcp":
			m := mcpext.New(ext)
			if err := m.Connect(ctx); err != nil {
				return fmt.Errorf("extension %s: %w", name, err)
			}
			if err := reg.Register(m); err != nil {
				m.Close()
				return fmt.Errorf("extension %s: %w", name, err)
			}
			rt.mcp = append(rt.mcp, m)
		default:
			return fmt.Errorf("extension %s: unknown type %q", name, ext.Type)
		}
	}
	return nil
}

func buildAuthenticator(ctx context.Context, cfg *config.ServerConfig) (*auth.Authenticator, error) {
	var validator *auth.JWTValidator
	if cfg.Auth.IsEnabled() {
		v, err := auth.NewJWTValidator(ctx, cfg.Auth)
		if err != nil {
			return nil, err
		}
		validator = v
	}
	required := cfg.APIKey != "" || validator != nil
	if required && cfg.Auth != nil {
		required = cfg.Auth.IsRequireAuth()
	}
	return auth.NewAuthenticator(cfg.APIKey, validator, required), nil
}

// Reload applies the hot-swappable parts of an updated config: agent,
// chain and prompt definitions. Server, provider and storage topology
// changes need a restart.
func (rt *Runtime) Reload(cfg *config.Config) {
	rt.agents.ReplaceAll(cfg.Agents)
	rt.Chains.Update(cfg.Chains)
	if err := rt.prompts.Seed(cfg.Prompts); err != nil {
		rt.logger.Warn("Ignoring prompt changes from config reload", "error", err)
	}
	rt.logger.Info("Applied config reload",
		"agents", len(cfg.Agents), "chains", len(cfg.Chains), "prompts", len(cfg.Prompts))
}

// Close releases external resources in reverse construction order.
func (rt *Runtime) Close() {
	for _, m := range rt.mcp {
		if err := m.Close(); err != nil {
			rt.logger.Warn("Failed to close MCP extension", "error", err)
		}
	}
	if rt.Monitor != nil {
		rt.Monitor.Close()
	}
	if rt.memory != nil {
		if err := rt.memory.Close(); err != nil {
			rt.logger.Warn("Failed to close memory store", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("Failed to close conversation store", "error", err)
		}
	}
}
