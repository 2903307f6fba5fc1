package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ensemble-ai/ensemble/pkg/agent"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	// Model selects the agent.
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	// Conversation selects the conversation; defaults per user then to
	// "default". Not part of the OpenAI schema but accepted for parity
	// with the native API.
	Conversation string `json:"conversation,omitempty"`
	User         string `json:"user,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`

	// Error flags in-band command failures so the caller need not parse
	// the content to notice.
	Error bool `json:"error,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	agentCfg, ok := s.lookupAgent(req.Model)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown agent %q", req.Model)})
		return
	}

	input := lastUserMessage(req.Messages)
	if input == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no user message in request"})
		return
	}

	snap := agent.NewSnapshot(agentCfg)
	heavy := snap.Mode() == "chain" || snap.Autonomous()
	ctx, done, err := s.monitor.Begin(r.Context(), snap.Name(), heavy, s.cfg.Server.RequestTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	defer done()

	runReq := agent.Request{
		Tenant:       tenant(r),
		Agent:        agentCfg,
		Conversation: conversationName(req),
		Input:        input,
	}

	if req.Stream {
		s.streamChat(ctx, w, req.Model, runReq)
		return
	}

	out, err := s.runtime.Respond(ctx, runReq)
	if err != nil {
		writeError(w, err)
		return
	}

	finish := "stop"
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &chatMessage{Role: "assistant", Content: out.Text},
			FinishReason: &finish,
		}},
		Error: out.IsError,
	})
}

// streamChat emits OpenAI-compatible SSE frames and a terminal [DONE].
// When the client disconnects the runtime keeps draining so the
// conversation entry is still written; remaining frames are dropped.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, model string, runReq agent.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	stream := s.runtime.RespondStream(ctx, runReq)
	for chunk := range stream.Events {
		if chunk.Err != nil {
			writeFrame(w, flusher, map[string]any{"error": chunk.Err.Error()})
			continue
		}
		writeFrame(w, flusher, chatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: &chatMessage{Content: chunk.Text}}},
		})
	}

	out := <-stream.Outcome
	if out.Err != nil {
		writeFrame(w, flusher, map[string]any{"error": out.Err.Error()})
	} else {
		finish := "stop"
		writeFrame(w, flusher, chatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: &chatMessage{}, FinishReason: &finish}},
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func conversationName(req chatRequest) string {
	if req.Conversation != "" {
		return req.Conversation
	}
	if req.User != "" {
		return req.User
	}
	return "default"
}
