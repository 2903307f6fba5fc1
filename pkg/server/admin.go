package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Admin CRUD over agent and chain definitions. Mutations apply to the
// live tables only; they do not write back to the config file.

type agentPayload struct {
	Name              string          `json:"name,omitempty"`
	Settings          map[string]any  `json:"settings,omitempty"`
	Commands          map[string]bool `json:"commands,omitempty"`
	Persona           string          `json:"persona,omitempty"`
	TrainingSources   []string        `json:"training_sources,omitempty"`
	DisabledProviders []string        `json:"disabled_providers,omitempty"`
}

func agentFromPayload(name string, p agentPayload) (*config.AgentConfig, error) {
	a := &config.AgentConfig{
		Settings:          p.Settings,
		Commands:          p.Commands,
		Persona:           p.Persona,
		TrainingSources:   p.TrainingSources,
		DisabledProviders: p.DisabledProviders,
	}
	a.SetDefaults(name)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func agentToPayload(a *config.AgentConfig) agentPayload {
	return agentPayload{
		Name:              a.Name,
		Settings:          a.Settings,
		Commands:          a.Commands,
		Persona:           a.Persona,
		TrainingSources:   a.TrainingSources,
		DisabledProviders: a.DisabledProviders,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	type agentInfo struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	out := make([]agentInfo, 0, s.agents.Count())
	for _, a := range s.agents.List() {
		mode := a.SettingString("mode")
		if mode == "" {
			mode = "prompt"
		}
		out = append(out, agentInfo{Name: a.Name, Mode: mode})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a, ok := s.agents.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown agent %q", name)})
		return
	}
	writeJSON(w, http.StatusOK, agentToPayload(a))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var p agentPayload
	if err := decodeJSON(r, &p); err != nil || p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry an agent name"})
		return
	}
	if _, exists := s.agents.Get(p.Name); exists {
		writeJSON(w, http.StatusConflict, errorBody{Error: fmt.Sprintf("agent %q already exists", p.Name)})
		return
	}

	a, err := agentFromPayload(p.Name, p)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.agents.Register(p.Name, a); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": p.Name})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.agents.Get(name); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown agent %q", name)})
		return
	}

	var p agentPayload
	if err := decodeJSON(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	a, err := agentFromPayload(name, p)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.agents.Replace(name, a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Remove(chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chainPayload struct {
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Steps       []config.StepConfig `json:"steps"`
}

func chainToPayload(c *config.ChainConfig) chainPayload {
	return chainPayload{Name: c.Name, Description: c.Description, Steps: c.Steps}
}

func (s *Server) handleListChains(w http.ResponseWriter, _ *http.Request) {
	all := s.chains.List()
	out := make([]chainPayload, 0, len(all))
	for _, c := range all {
		out = append(out, chainToPayload(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.chains.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown chain %q", name)})
		return
	}
	writeJSON(w, http.StatusOK, chainToPayload(c))
}

func (s *Server) handleSaveChain(w http.ResponseWriter, r *http.Request) {
	var p chainPayload
	if err := decodeJSON(r, &p); err != nil || p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a chain name"})
		return
	}

	c := &config.ChainConfig{Description: p.Description, Steps: p.Steps}
	c.SetDefaults(p.Name)
	if err := s.chains.Put(c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": p.Name})
}

func (s *Server) handleDeleteChain(w http.ResponseWriter, r *http.Request) {
	if err := s.chains.Delete(chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
