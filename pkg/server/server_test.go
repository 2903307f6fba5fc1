package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/pkg/agent"
	"github.com/ensemble-ai/ensemble/pkg/auth"
	"github.com/ensemble-ai/ensemble/pkg/chains"
	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/monitor"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
	"github.com/ensemble-ai/ensemble/pkg/providers"
	"github.com/ensemble-ai/ensemble/pkg/registry"
)

// cannedProvider returns fixed text, optionally failing every call.
type cannedProvider struct {
	text     string
	failWith error
	stream   []providers.StreamChunk
}

func (p *cannedProvider) Name() string       { return "default" }
func (p *cannedProvider) Services() []string { return []string{config.ServiceLLM} }
func (p *cannedProvider) MaxTokens() int     { return 4096 }
func (p *cannedProvider) IsConfigured() bool { return true }
func (p *cannedProvider) Knobs() providers.RuntimeKnobs {
	return providers.RuntimeKnobs{MaxFailures: 1}
}

func (p *cannedProvider) Inference(context.Context, providers.InferenceRequest) (string, error) {
	if p.failWith != nil {
		return "", p.failWith
	}
	return p.text, nil
}

func (p *cannedProvider) InferenceStream(context.Context, providers.InferenceRequest) (<-chan providers.StreamChunk, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	ch := make(chan providers.StreamChunk, len(p.stream))
	for _, c := range p.stream {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *cannedProvider) Embeddings(context.Context, string) ([]float32, error) {
	return nil, providers.ErrUnsupported
}
func (p *cannedProvider) TextToSpeech(context.Context, string) ([]byte, error) {
	return nil, providers.ErrUnsupported
}
func (p *cannedProvider) Transcribe(context.Context, []byte) (string, error) {
	return "", providers.ErrUnsupported
}
func (p *cannedProvider) Translate(context.Context, []byte) (string, error) {
	return "", providers.ErrUnsupported
}
func (p *cannedProvider) GenerateImage(context.Context, string) (string, error) {
	return "", providers.ErrUnsupported
}

type echoExtension struct{}

func (e *echoExtension) Name() string { return "echo_tools" }

func (e *echoExtension) Commands() []extensions.Command {
	return []extensions.Command{{
		Name:        "echo",
		Description: "Echoes its text argument",
		Category:    extensions.CategoryTool,
		Args:        []extensions.Arg{{Name: "text", Type: "string", Required: true}},
	}}
}

func (e *echoExtension) Execute(_ context.Context, _ string, args map[string]any, _ extensions.ExecContext) (string, error) {
	return fmt.Sprint(args["text"]), nil
}

func newTestServer(t *testing.T, p providers.Provider) *Server {
	t.Helper()

	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{
			"helper": {
				Name:     "helper",
				Settings: map[string]any{},
				Commands: map[string]bool{"echo": true},
			},
		},
		Chains: map[string]*config.ChainConfig{
			"pipeline": {Name: "pipeline", Steps: []config.StepConfig{
				{StepNumber: 1, PromptType: "command", Prompt: map[string]string{"command": "echo", "text": "{user_input}"}},
			}},
		},
	}
	cfg.Server.SetDefaults()

	provReg := providers.NewRegistry()
	require.NoError(t, provReg.AddStatic("default", p))
	router := providers.NewRouter(provReg)

	extReg := extensions.NewRegistry()
	require.NoError(t, extReg.Register(&echoExtension{}))
	dispatcher := extensions.NewDispatcher(extReg)

	prompts := prompt.NewStore()
	require.NoError(t, prompts.Save(prompt.Template{Category: "assistant", Name: "default", Text: "{user_input}"}))
	assembler := prompt.NewAssembler(prompts, nil, extReg, 0)

	store := conversations.NewMemStore()
	rt := agent.NewRuntime(router, assembler, dispatcher, store)

	agents := registry.NewBaseRegistry[*config.AgentConfig]()
	agents.ReplaceAll(cfg.Agents)
	resolver := func(name string) (*config.AgentConfig, error) {
		a, ok := agents.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", name)
		}
		return a, nil
	}
	engine := chains.NewEngine(cfg.Chains, rt, dispatcher, resolver, 0)
	rt.SetChainEngine(engine)

	mon := monitor.New(3)
	t.Cleanup(mon.Close)

	return New(Deps{
		Config:     cfg,
		Agents:     agents,
		Runtime:    rt,
		Chains:     engine,
		Dispatcher: dispatcher,
		Extensions: extReg,
		Providers:  provReg,
		Prompts:    prompts,
		Store:      store,
		Monitor:    mon,
		Auth:       auth.NewAuthenticator("test-key", nil, true),
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "hello from the model"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model": "helper", "messages": [{"role": "user", "content": "hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello from the model", resp.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", resp.Object)
}

func TestChatCompletionsUnknownAgent(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model": "ghost", "messages": [{"role": "user", "content": "hi"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "helper", "messages": [{"role": "user", "content": "hi"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsExhaustionReturns503WithTried(t *testing.T) {
	s := newTestServer(t, &cannedProvider{failWith: providers.NewTransient("default", errors.New("boom"))})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model": "helper", "messages": [{"role": "user", "content": "hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"default"}, body.Tried)
}

func TestChatCompletionsStreamEmitsFramesAndDone(t *testing.T) {
	s := newTestServer(t, &cannedProvider{stream: []providers.StreamChunk{
		{Text: "hel"}, {Text: "lo"},
	}})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions",
		`{"model": "helper", "messages": [{"role": "user", "content": "hi"}], "stream": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var deltas []string
	var sawDone bool
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var frame chatResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		if len(frame.Choices) == 1 && frame.Choices[0].Delta != nil {
			deltas = append(deltas, frame.Choices[0].Delta.Content)
		}
	}
	assert.True(t, sawDone, "stream ends with the [DONE] sentinel")
	assert.Equal(t, []string{"hel", "lo", ""}, deltas, "deltas in order plus the empty finish frame")
}

func TestAgentCommandEndpoint(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agent/helper/command",
		`{"command": "echo", "args": {"text": "direct"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp commandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "direct", resp.Output)
	assert.False(t, resp.Error)
}

func TestAgentCommandUnknownIs400(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agent/helper/command",
		`{"command": "vanish"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChainRunEndpoint(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chain/pipeline/run",
		`{"user_input": "payload", "agent": "helper"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chainRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp.Status)
	assert.Equal(t, "payload", resp.Final)
}

func TestChainRunFailureIs200WithMarker(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	require.NoError(t, s.chains.Put(&config.ChainConfig{Name: "broken", Steps: []config.StepConfig{
		{StepNumber: 1, PromptType: "command", Prompt: map[string]string{"command": "vanish"}},
	}}))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chain/broken/run",
		`{"user_input": "x", "agent": "helper"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chainRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, 1, resp.FailedStep)
	assert.NotEmpty(t, resp.Cause)
}

func TestExtensionIntrospection(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/extensions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echo_tools")

	rec = doJSON(t, h, http.MethodGet, "/api/extensions/echo/args", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "text")

	rec = doJSON(t, h, http.MethodGet, "/api/extensions/vanish/args", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderIntrospection(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "default")

	rec = doJSON(t, h, http.MethodGet, "/api/providers/service/llm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "default")

	rec = doJSON(t, h, http.MethodGet, "/api/provider/default", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/provider/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromptCRUD(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/prompt",
		`{"category": "assistant", "name": "coder", "text": "Code: {user_input}"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/prompt/assistant/coder", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Code: {user_input}")

	rec = doJSON(t, h, http.MethodPut, "/v1/prompt/assistant/coder",
		`{"text": "Refactor: {user_input}"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/prompt/assistant/coder", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/prompt/assistant/coder", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationAdminFlow(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "reply"})
	h := s.Handler()

	// Seed a conversation through the chat surface.
	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model": "helper", "messages": [{"role": "user", "content": "hi"}], "conversation": "work"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/conversation/helper/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "work")

	rec = doJSON(t, h, http.MethodGet, "/api/conversation/helper/work/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Interactions []conversations.Interaction `json:"interactions"`
		Total        int                         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 2, listing.Total)

	id := listing.Interactions[0].ID
	rec = doJSON(t, h, http.MethodPut, fmt.Sprintf("/api/conversation/helper/work/message/%d", id),
		`{"message": "edited"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/conversation/helper/work/rename",
		`{"new_name": "archive"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/conversation/helper/archive/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "edited")

	rec = doJSON(t, h, http.MethodDelete, "/api/conversation/helper/archive/", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/conversation/helper/archive/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAdminCRUD(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "from scout"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/agent",
		`{"name": "scout", "settings": {"mode": "prompt"}, "persona": "terse researcher"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Creating the same name again conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/agent", `{"name": "scout"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// An invalid mode is rejected at create time.
	rec = doJSON(t, h, http.MethodPost, "/api/agent",
		`{"name": "bad", "settings": {"mode": "vibes"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scout")
	assert.Contains(t, rec.Body.String(), "helper")

	rec = doJSON(t, h, http.MethodGet, "/api/agent/scout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got agentPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "terse researcher", got.Persona)

	// The created agent is live on the chat surface immediately.
	rec = doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model": "scout", "messages": [{"role": "user", "content": "hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/api/agent/scout",
		`{"persona": "verbose researcher"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/agent/scout", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "verbose researcher", got.Persona)

	rec = doJSON(t, h, http.MethodDelete, "/api/agent/scout", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/agent/scout", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/api/agent/ghost", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChainAdminCRUD(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/chain",
		`{"name": "double", "steps": [
			{"step_number": 1, "prompt_type": "command", "prompt": {"command": "echo", "text": "{user_input}"}},
			{"step_number": 2, "prompt_type": "command", "prompt": {"command": "echo", "text": "{STEP1_OUTPUT} {STEP1_OUTPUT}"}}
		]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate step numbers fail chain validation.
	rec = doJSON(t, h, http.MethodPost, "/api/chain",
		`{"name": "dup", "steps": [
			{"step_number": 1, "prompt_type": "command", "prompt": {"command": "echo"}},
			{"step_number": 1, "prompt_type": "command", "prompt": {"command": "echo"}}
		]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/chain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "double")
	assert.Contains(t, rec.Body.String(), "pipeline")

	rec = doJSON(t, h, http.MethodGet, "/api/chain/double", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got chainPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Steps, 2)

	// The stored chain runs.
	rec = doJSON(t, h, http.MethodPost, "/api/chain/double/run",
		`{"user_input": "ha", "agent": "helper"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result chainRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ha ha", result.Final)

	rec = doJSON(t, h, http.MethodDelete, "/api/chain/double", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/chain/double", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	s := newTestServer(t, &cannedProvider{text: "x"})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
