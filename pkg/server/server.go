// Package server exposes the runtime over HTTP: an OpenAI-compatible chat
// surface, command and chain invocation, introspection and conversation
// administration.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensemble-ai/ensemble/pkg/agent"
	"github.com/ensemble-ai/ensemble/pkg/auth"
	"github.com/ensemble-ai/ensemble/pkg/chains"
	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/monitor"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
	"github.com/ensemble-ai/ensemble/pkg/providers"
	"github.com/ensemble-ai/ensemble/pkg/registry"
)

// AgentTable is the concurrency-safe agent definition table shared with
// the runtime builder and the config reloader.
type AgentTable = registry.BaseRegistry[*config.AgentConfig]

// Server wires the runtime pipeline to the HTTP surface.
type Server struct {
	cfg        *config.Config
	agents     *AgentTable
	runtime    *agent.Runtime
	chains     *chains.Engine
	dispatcher *extensions.Dispatcher
	extReg     *extensions.Registry
	provReg    providers.Registry
	prompts    *prompt.Store
	store      conversations.Store
	monitor    *monitor.Monitor
	auth       *auth.Authenticator

	httpServer *http.Server
	logger     *slog.Logger
}

// Deps carries everything the server serves. Construction happens in the
// runtime builder; the server only routes.
type Deps struct {
	Config     *config.Config
	Agents     *AgentTable
	Runtime    *agent.Runtime
	Chains     *chains.Engine
	Dispatcher *extensions.Dispatcher
	Extensions *extensions.Registry
	Providers  providers.Registry
	Prompts    *prompt.Store
	Store      conversations.Store
	Monitor    *monitor.Monitor
	Auth       *auth.Authenticator
}

func New(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		agents:     deps.Agents,
		runtime:    deps.Runtime,
		chains:     deps.Chains,
		dispatcher: deps.Dispatcher,
		extReg:     deps.Extensions,
		provReg:    deps.Providers,
		prompts:    deps.Prompts,
		store:      deps.Store,
		monitor:    deps.Monitor,
		auth:       deps.Auth,
		logger:     logger.Get(),
	}
}

// Handler builds the routing tree. Health and metrics stay outside the
// auth gate; everything else requires credentials.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Use(s.requestTimeout)

		r.Post("/v1/chat/completions", s.handleChatCompletions)

		r.Route("/api/agent", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Put("/", s.handleUpdateAgent)
				r.Delete("/", s.handleDeleteAgent)
				r.Post("/command", s.handleAgentCommand)
			})
		})

		r.Route("/api/chain", func(r chi.Router) {
			r.Get("/", s.handleListChains)
			r.Post("/", s.handleSaveChain)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetChain)
				r.Delete("/", s.handleDeleteChain)
				r.Post("/run", s.handleChainRun)
			})
		})

		r.Get("/api/extensions", s.handleListExtensions)
		r.Get("/api/extensions/settings", s.handleExtensionSettings)
		r.Get("/api/extensions/{command}/args", s.handleCommandArgs)

		r.Get("/api/providers", s.handleListProviders)
		r.Get("/api/providers/service/{service}", s.handleProvidersForService)
		r.Get("/api/provider/{name}", s.handleProvider)

		r.Get("/v1/prompt", s.handleListPrompts)
		r.Post("/v1/prompt", s.handleSavePrompt)
		r.Get("/v1/prompt/{category}/{name}", s.handleGetPrompt)
		r.Put("/v1/prompt/{category}/{name}", s.handleUpdatePrompt)
		r.Delete("/v1/prompt/{category}/{name}", s.handleDeletePrompt)

		r.Route("/api/conversation/{agent}", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Route("/{conversation}", func(r chi.Router) {
				r.Get("/", s.handleListInteractions)
				r.Get("/export", s.handleExportConversation)
				r.Delete("/", s.handleDeleteConversation)
				r.Post("/rename", s.handleRenameConversation)
				r.Post("/message", s.handleAppendMessage)
				r.Put("/message/{id}", s.handleUpdateMessage)
				r.Delete("/message/{id}", s.handleDeleteMessage)
			})
		})

		r.Get("/api/tasks", s.handleListTasks)
	})

	return r
}

// requestTimeout applies the overall request deadline. Streaming handlers
// inherit it; the bridge drains past it on its own detached context.
func (s *Server) requestTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.cfg.Server.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Minute
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address(),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "address", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.monitor.Active(),
		"heavy":  s.monitor.HeavyCount(),
	})
}

// lookupAgent resolves an agent by name from the shared table.
func (s *Server) lookupAgent(name string) (*config.AgentConfig, bool) {
	return s.agents.Get(name)
}

// tenant resolves the request tenant from validated claims.
func tenant(r *http.Request) string {
	return auth.ClaimsFromContext(r.Context()).Tenant()
}
