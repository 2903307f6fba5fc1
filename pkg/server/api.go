package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ensemble-ai/ensemble/pkg/chains"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
)

// ---- commands and chains ----

type commandRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`

	// Conversation optionally records the tool interaction.
	Conversation string `json:"conversation,omitempty"`
}

type commandResponse struct {
	Output string `json:"output"`
	Error  bool   `json:"error,omitempty"`
}

func (s *Server) handleAgentCommand(w http.ResponseWriter, r *http.Request) {
	agentCfg, ok := s.lookupAgent(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown agent"})
		return
	}

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil || req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a command"})
		return
	}

	var emit extensions.EmitFunc
	if req.Conversation != "" {
		scope := conversations.Scope{Tenant: tenant(r), Agent: agentCfg.Name, Conversation: req.Conversation}
		emit = func(role, message string, isError bool) {
			_, _ = s.store.Append(r.Context(), scope, conversations.Interaction{Role: role, Message: message, Error: isError})
		}
	}

	out, err := s.dispatcher.Run(r.Context(), agentCfg, req.Command, req.Args, emit)
	if err != nil {
		var cf *extensions.CommandFailedError
		if errors.As(err, &cf) {
			// The model/tool failing is an in-band outcome, not a
			// transport error.
			writeJSON(w, http.StatusOK, commandResponse{Output: err.Error(), Error: true})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Output: out})
}

type chainRunRequest struct {
	UserInput    string `json:"user_input"`
	Agent        string `json:"agent,omitempty"`
	Conversation string `json:"conversation,omitempty"`
}

type chainRunResponse struct {
	Status     string         `json:"status"`
	Outputs    map[int]string `json:"outputs,omitempty"`
	Final      string         `json:"final"`
	FailedStep int            `json:"failed_step,omitempty"`
	Cause      string         `json:"cause,omitempty"`
}

func (s *Server) handleChainRun(w http.ResponseWriter, r *http.Request) {
	chainName := chi.URLParam(r, "name")

	var req chainRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	agentName := req.Agent
	if agentName == "" {
		agentName = "default"
	}
	agentCfg, ok := s.lookupAgent(agentName)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown agent %q", agentName)})
		return
	}

	ctx, done, err := s.monitor.Begin(r.Context(), agentName, true, s.cfg.Server.RequestTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	defer done()

	var emit extensions.EmitFunc
	if req.Conversation != "" {
		scope := conversations.Scope{Tenant: tenant(r), Agent: agentCfg.Name, Conversation: req.Conversation}
		emit = func(role, message string, isError bool) {
			_, _ = s.store.Append(ctx, scope, conversations.Interaction{Role: role, Message: message, Error: isError})
		}
	}

	result, err := s.chains.Run(ctx, chainName, agentCfg, req.UserInput, emit)
	if err != nil {
		var se *chains.StepError
		if errors.As(err, &se) && result != nil {
			// A failed chain is still a completed request: the caller
			// gets the partial output with the failure marker.
			writeJSON(w, http.StatusOK, chainResult(result))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResult(result))
}

func chainResult(result *chains.Result) chainRunResponse {
	resp := chainRunResponse{
		Status:     string(result.Status),
		Outputs:    result.Outputs,
		Final:      result.Final,
		FailedStep: result.FailedStep,
	}
	if result.Cause != nil {
		resp.Cause = result.Cause.Error()
	}
	return resp
}

// ---- introspection ----

func (s *Server) handleListExtensions(w http.ResponseWriter, _ *http.Request) {
	type extensionInfo struct {
		Name     string               `json:"name"`
		Commands []extensions.Command `json:"commands"`
	}
	var out []extensionInfo
	for _, name := range s.extReg.ListExtensions() {
		cmds, err := s.extReg.Commands(name)
		if err != nil {
			continue
		}
		out = append(out, extensionInfo{Name: name, Commands: cmds})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCommandArgs(w http.ResponseWriter, r *http.Request) {
	_, desc, err := s.extReg.Resolve(chi.URLParam(r, "command"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc.Args)
}

func (s *Server) handleExtensionSettings(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]map[string]any)
	for _, name := range s.extReg.ListExtensions() {
		schema, err := s.extReg.SettingsSchema(name)
		if err != nil {
			continue
		}
		out[name] = schema
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	type providerInfo struct {
		Name     string   `json:"name"`
		Services []string `json:"services"`
	}
	var out []providerInfo
	for _, name := range s.provReg.List() {
		caps, err := s.provReg.Capabilities(name)
		if err != nil {
			continue
		}
		out = append(out, providerInfo{Name: name, Services: caps})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	caps, err := s.provReg.Capabilities(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	schema, err := s.provReg.SettingsSchema(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"services": caps,
		"settings": schema,
	})
}

func (s *Server) handleProvidersForService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	var names []string
	for _, name := range s.provReg.List() {
		caps, err := s.provReg.Capabilities(name)
		if err != nil {
			continue
		}
		for _, c := range caps {
			if c == service {
				names = append(names, name)
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, names)
}

// ---- prompt templates ----

type promptPayload struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Text     string `json:"text"`
}

func (s *Server) handleListPrompts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prompts.List())
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	t, err := s.prompts.Get(chi.URLParam(r, "category"), chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	var p promptPayload
	if err := decodeJSON(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := s.prompts.Save(prompt.Template{Category: p.Category, Name: p.Name, Text: p.Text}); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.Category + "/" + p.Name})
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var p promptPayload
	if err := decodeJSON(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	t := prompt.Template{
		Category: chi.URLParam(r, "category"),
		Name:     chi.URLParam(r, "name"),
		Text:     p.Text,
	}
	if err := s.prompts.Save(t); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": t.ID()})
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.prompts.Delete(chi.URLParam(r, "category"), chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- conversations ----

func (s *Server) scope(r *http.Request) conversations.Scope {
	return conversations.Scope{
		Tenant:       tenant(r),
		Agent:        chi.URLParam(r, "agent"),
		Conversation: chi.URLParam(r, "conversation"),
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Conversations(r.Context(), tenant(r), chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := conversations.Page{
		Limit:       atoiDefault(q.Get("limit"), 50),
		Page:        atoiDefault(q.Get("page"), 1),
		NewestFirst: q.Get("order") == "desc",
	}

	items, total, err := s.store.List(r.Context(), s.scope(r), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interactions": items,
		"total":        total,
		"page":         page.Page,
	})
}

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Export(r.Context(), s.scope(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), s.scope(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"new_name"`
	}
	if err := decodeJSON(r, &body); err != nil || body.NewName == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry new_name"})
		return
	}
	if err := s.store.Rename(r.Context(), s.scope(r), body.NewName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": body.NewName})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Role == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry role and message"})
		return
	}
	id, err := s.store.Append(r.Context(), s.scope(r), conversations.Interaction{Role: body.Role, Message: body.Message})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid message id"})
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := s.store.UpdateMessage(r.Context(), s.scope(r), id, body.Message); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid message id"})
		return
	}
	if err := s.store.DeleteMessage(r.Context(), s.scope(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
