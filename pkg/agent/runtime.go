package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemble-ai/ensemble/pkg/chains"
	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
	"github.com/ensemble-ai/ensemble/pkg/providers"
	"github.com/ensemble-ai/ensemble/pkg/streaming"
)

const (
	// DefaultMaxToolLoops bounds autonomous tool execution per request.
	DefaultMaxToolLoops = 5

	// windowSize is how many recent interactions feed the prompt window.
	windowSize = 20
)

// ChainEngine is the slice of the chain engine the runtime delegates to in
// chain mode.
type ChainEngine interface {
	Run(ctx context.Context, chainName string, agent *config.AgentConfig, userInput string, emit extensions.EmitFunc) (*chains.Result, error)
}

// Runtime executes one request end to end for an agent.
type Runtime struct {
	router     *providers.Router
	assembler  *prompt.Assembler
	dispatcher *extensions.Dispatcher
	store      conversations.Store
	chains     ChainEngine

	maxToolLoops int
	logger       *slog.Logger
}

type Option func(*Runtime)

// WithMaxToolLoops overrides the autonomous tool-loop bound.
func WithMaxToolLoops(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxToolLoops = n
		}
	}
}

func NewRuntime(router *providers.Router, assembler *prompt.Assembler, dispatcher *extensions.Dispatcher, store conversations.Store, opts ...Option) *Runtime {
	r := &Runtime{
		router:       router,
		assembler:    assembler,
		dispatcher:   dispatcher,
		store:        store,
		maxToolLoops: DefaultMaxToolLoops,
		logger:       logger.Get(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetChainEngine wires the chain engine after construction. The engine
// needs the runtime as its prompt runner, so the two are linked in a
// second step.
func (r *Runtime) SetChainEngine(e ChainEngine) {
	r.chains = e
}

// Request is one inbound agent invocation.
type Request struct {
	Tenant       string
	Agent        *config.AgentConfig
	Conversation string
	Input        string
	Images       []string
}

// Outcome is the terminal state of one request.
type Outcome struct {
	// Text is the response content: the assistant text, the chain's final
	// output or the command's result.
	Text string

	// Partial marks text cut short by a mid-stream failure or a caller
	// disconnect during streaming.
	Partial bool

	// IsError marks command-mode failures that are reported in-band
	// rather than as transport errors.
	IsError bool

	// ToolRuns counts autonomous tool-loop iterations.
	ToolRuns int

	// Err carries the terminal error on the streaming path, where the
	// events channel has already been handed to the caller.
	Err error
}

// Respond runs one request to completion. A non-nil Outcome can accompany
// an error when partial text was already recorded.
func (r *Runtime) Respond(ctx context.Context, req Request) (*Outcome, error) {
	return r.respond(ctx, req, nil)
}

// Stream is the streaming variant of an Outcome: deltas arrive on Events,
// and the terminal Outcome is delivered once the conversation entry is
// written.
type Stream struct {
	Events  <-chan providers.StreamChunk
	Outcome <-chan Outcome
}

// RespondStream runs one request, forwarding provider deltas as they
// arrive. Non-prompt modes produce a single synthetic delta with the full
// response. The runtime keeps draining and writes the conversation entry
// even if ctx is cancelled mid-stream.
func (r *Runtime) RespondStream(ctx context.Context, req Request) *Stream {
	events := make(chan providers.StreamChunk)
	outcome := make(chan Outcome, 1)

	go func() {
		defer close(events)
		out, err := r.respond(ctx, req, events)
		if out == nil {
			out = &Outcome{}
		}
		out.Err = err
		outcome <- *out
	}()

	return &Stream{Events: events, Outcome: outcome}
}

func (r *Runtime) respond(ctx context.Context, req Request, forward chan<- providers.StreamChunk) (*Outcome, error) {
	snap := NewSnapshot(req.Agent)

	ctx, span := observability.GetTracer("ensemble.agent").Start(ctx, observability.SpanAgentRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentName, snap.Name()),
			attribute.String(observability.AttrConversationName, req.Conversation),
		))
	defer span.End()

	scope := conversations.Scope{Tenant: req.Tenant, Agent: snap.Name(), Conversation: req.Conversation}

	// The window is loaded before the current input is appended so the
	// input appears once: in {user_input}, not also in the history.
	window, err := r.loadWindow(ctx, scope)
	if err != nil {
		return nil, err
	}

	emit := func(role, message string, isError bool) {
		r.append(ctx, scope, conversations.Interaction{Role: role, Message: message, Error: isError})
	}

	if snap.LogUserInput() && req.Input != "" {
		r.append(ctx, scope, conversations.Interaction{Role: conversations.RoleUser, Message: req.Input})
	}

	switch snap.Mode() {
	case "prompt":
		return r.respondPrompt(ctx, snap, req, scope, window, emit, forward)
	case "chain":
		return r.respondChain(ctx, snap, req, scope, emit, forward)
	case "command":
		return r.respondCommand(ctx, snap, req, emit, forward)
	default:
		return nil, fmt.Errorf("agent %s: unknown mode %q", snap.Name(), snap.Mode())
	}
}

func (r *Runtime) respondPrompt(ctx context.Context, snap Snapshot, req Request, scope conversations.Scope, window []conversations.Interaction, emit extensions.EmitFunc, forward chan<- providers.StreamChunk) (*Outcome, error) {
	text, partial, toolRuns, err := r.promptLoop(ctx, snap, req, window, emit, forward)
	if err != nil && text == "" {
		// Nothing to record: exhaustion and fatal provider errors leave
		// only the user interaction behind.
		return nil, err
	}

	out := &Outcome{Text: text, Partial: partial, ToolRuns: toolRuns}
	if snap.LogOutput() {
		r.append(ctx, scope, conversations.Interaction{
			Role:    snap.Name(),
			Message: text,
			Partial: partial,
		})
	}
	return out, err
}

// promptLoop runs the assemble/infer/dispatch cycle until the model stops
// calling tools or the loop bound is reached. The last model text is
// returned even when it still contains a tool call.
func (r *Runtime) promptLoop(ctx context.Context, snap Snapshot, req Request, window []conversations.Interaction, emit extensions.EmitFunc, forward chan<- providers.StreamChunk) (string, bool, int, error) {
	// Tool results are tracked in the local window so the next assembly
	// sees them as additional context.
	track := func(role, message string, isError bool) {
		if emit != nil {
			emit(role, message, isError)
		}
		window = append(window, conversations.Interaction{Role: role, Message: message, Error: isError})
	}

	toolRuns := 0
	for {
		built, est, err := r.assembler.Build(ctx, prompt.Request{
			Category:  snap.PromptCategory(),
			Name:      snap.PromptName(),
			UserInput: req.Input,
			Agent:     snap.Config(),
			Window:    window,
		})
		if err != nil {
			return "", false, toolRuns, err
		}

		infReq := r.inferenceRequest(snap, built, est, req.Images)

		var text string
		var partial bool
		if forward != nil {
			text, partial, err = r.streamTurn(ctx, snap, infReq, forward)
		} else {
			text, err = r.router.Inference(ctx, snap.Config(), infReq)
		}
		if err != nil {
			return text, partial, toolRuns, err
		}
		if partial {
			return text, true, toolRuns, nil
		}

		call, ok := ParseToolCall(text)
		if !ok || !snap.Autonomous() || toolRuns >= r.maxToolLoops {
			return text, false, toolRuns, nil
		}

		toolRuns++
		if _, err := r.dispatcher.Run(ctx, snap.Config(), call.Command, call.Args, track); err != nil {
			var cf *extensions.CommandFailedError
			if !errors.As(err, &cf) {
				// Policy failures (unknown, disabled, bad args) end the
				// loop: the error-flagged tool interaction is already
				// recorded, and the model text stays the response.
				return text, false, toolRuns, nil
			}
			// Execution failures were emitted error-flagged; the model
			// sees them next turn and can react.
		}
	}
}

// streamTurn bridges one streaming inference turn onto the forward
// channel. Caller disconnects stop delivery but not draining; the result
// is then tagged partial because the caller did not see all of it.
func (r *Runtime) streamTurn(ctx context.Context, snap Snapshot, req providers.InferenceRequest, forward chan<- providers.StreamChunk) (string, bool, error) {
	source, err := r.router.InferenceStream(ctx, snap.Config(), req)
	if err != nil {
		return "", false, err
	}

	bridge := streaming.New(ctx, source)
	for chunk := range bridge.Events() {
		select {
		case forward <- chunk:
		case <-ctx.Done():
			bridge.Detach()
		}
	}

	sum := bridge.Wait()
	if sum.Err != nil {
		if sum.Text == "" {
			return "", false, sum.Err
		}
		r.logger.Warn("Stream failed mid-response, recording partial text",
			"agent", snap.Name(), "error", sum.Err)
		return sum.Text, true, nil
	}
	if ctx.Err() != nil {
		return sum.Text, true, nil
	}
	return sum.Text, false, nil
}

func (r *Runtime) respondChain(ctx context.Context, snap Snapshot, req Request, scope conversations.Scope, emit extensions.EmitFunc, forward chan<- providers.StreamChunk) (*Outcome, error) {
	if r.chains == nil {
		return nil, errors.New("chain engine not configured")
	}
	chainName := snap.ChainName()
	if chainName == "" {
		return nil, fmt.Errorf("agent %s: chain mode needs a chain_name setting", snap.Name())
	}

	result, err := r.chains.Run(ctx, chainName, snap.Config(), req.Input, emit)
	if err != nil {
		if result != nil && result.Status == chains.StatusCancelled {
			// A cancelled run still records what happened.
			r.append(ctx, scope, conversations.Interaction{
				Role:    snap.Name(),
				Message: fmt.Sprintf("chain %s cancelled: %v", chainName, result.Cause),
				Error:   true,
			})
		}
		return nil, err
	}

	out := &Outcome{Text: result.Final}
	if snap.LogOutput() {
		r.append(ctx, scope, conversations.Interaction{Role: snap.Name(), Message: result.Final})
	}
	r.deliver(ctx, forward, result.Final)
	return out, nil
}

// respondCommand treats the input as a tool invocation and dispatches it.
// The tool interaction written by the dispatcher is the whole record; no
// assistant interaction is appended because no provider ran.
func (r *Runtime) respondCommand(ctx context.Context, snap Snapshot, req Request, emit extensions.EmitFunc, forward chan<- providers.StreamChunk) (*Outcome, error) {
	call, ok := ParseToolCall(req.Input)
	if !ok {
		return nil, &extensions.ArgumentError{Command: "", Arg: "input", Reason: "command-mode input must be a tool-call block"}
	}

	out, err := r.dispatcher.Run(ctx, snap.Config(), call.Command, call.Args, emit)
	if err != nil {
		var cf *extensions.CommandFailedError
		if errors.As(err, &cf) {
			// Execution failures are in-band: the caller gets the error
			// text with the error flag set, not a transport failure.
			return &Outcome{Text: err.Error(), IsError: true}, nil
		}
		return nil, err
	}

	r.deliver(ctx, forward, out)
	return &Outcome{Text: out}, nil
}

// RunPrompt executes one scripted inference for a chain step: a single
// assemble-and-infer pass with the step's overrides, no conversation
// window and no tool loop.
func (r *Runtime) RunPrompt(ctx context.Context, agent *config.AgentConfig, userInput string, overrides map[string]string) (string, error) {
	snap := NewSnapshot(agent)
	built, est, err := r.assembler.Build(ctx, prompt.Request{
		Category:  snap.PromptCategory(),
		Name:      snap.PromptName(),
		UserInput: userInput,
		Agent:     agent,
		Overrides: overrides,
	})
	if err != nil {
		return "", err
	}
	return r.router.Inference(ctx, agent, r.inferenceRequest(snap, built, est, nil))
}

func (r *Runtime) inferenceRequest(snap Snapshot, built string, est int, images []string) providers.InferenceRequest {
	return providers.InferenceRequest{
		Prompt:      built,
		InputTokens: est,
		Images:      images,
		UseSmartest: snap.UseSmartest(),
		Model:       snap.Model(),
		Temperature: snap.Temperature(),
		TopP:        snap.TopP(),
		MaxTokens:   snap.MaxTokens(),
		Settings:    snap.Config().Settings,
	}
}

func (r *Runtime) loadWindow(ctx context.Context, scope conversations.Scope) ([]conversations.Interaction, error) {
	items, _, err := r.store.List(ctx, scope, conversations.Page{Limit: windowSize, NewestFirst: true})
	if err != nil {
		if errors.Is(err, conversations.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// List returned newest first; the prompt window wants oldest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// append writes one interaction, surviving request cancellation so that
// drained partial responses still land in the log.
func (r *Runtime) append(ctx context.Context, scope conversations.Scope, in conversations.Interaction) {
	if _, err := r.store.Append(context.WithoutCancel(ctx), scope, in); err != nil {
		r.logger.Error("Failed to append interaction",
			"tenant", scope.Tenant, "agent", scope.Agent, "conversation", scope.Conversation,
			"role", in.Role, "error", err)
	}
}

func (r *Runtime) deliver(ctx context.Context, forward chan<- providers.StreamChunk, text string) {
	if forward == nil || text == "" {
		return
	}
	select {
	case forward <- providers.StreamChunk{Text: text}:
	case <-ctx.Done():
	}
}
