// Package chains executes ordered step scripts over agents, commands and
// sub-chains. Step arguments are materialized by textual substitution of
// {user_input} and {STEPn_OUTPUT} tokens just before each step runs.
package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
	"github.com/ensemble-ai/ensemble/pkg/prompt"
)

// MaxDepth bounds sub-chain recursion to prevent cycles.
const MaxDepth = 8

// Status is the chain run state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepError reports the step at which a run failed.
type StepError struct {
	Chain string
	Step  int
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain %s: step %d failed: %v", e.Chain, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// ErrRecursionLimit is the cause when a sub-chain would exceed MaxDepth.
// It is raised before the nested run starts.
var ErrRecursionLimit = errors.New("chain recursion limit exceeded")

// Result is the outcome of one chain run. Outputs holds the string form
// of every completed step keyed by step number; it is transient and
// discarded with the run.
type Result struct {
	Status     Status
	Outputs    map[int]string
	Final      string
	FailedStep int
	Cause      error
}

// PromptRunner executes one prompt-mode inference for an agent. The agent
// runtime implements it; tests substitute fakes.
type PromptRunner interface {
	RunPrompt(ctx context.Context, agent *config.AgentConfig, userInput string, overrides map[string]string) (string, error)
}

// CommandRunner dispatches one command. Satisfied by the command
// dispatcher.
type CommandRunner interface {
	Run(ctx context.Context, agent *config.AgentConfig, command string, args map[string]any, emit extensions.EmitFunc) (string, error)
}

// AgentResolver looks up the agent snapshot for a step's agent override.
type AgentResolver func(name string) (*config.AgentConfig, error)

// Engine runs chains.
type Engine struct {
	mu          sync.RWMutex
	chains      map[string]*config.ChainConfig
	prompts     PromptRunner
	commands    CommandRunner
	agents      AgentResolver
	stepTimeout time.Duration
	logger      *slog.Logger
}

func NewEngine(chains map[string]*config.ChainConfig, prompts PromptRunner, commands CommandRunner, agents AgentResolver, stepTimeout time.Duration) *Engine {
	return &Engine{
		chains:      copyChains(chains),
		prompts:     prompts,
		commands:    commands,
		agents:      agents,
		stepTimeout: stepTimeout,
		logger:      logger.Get(),
	}
}

// Run executes the named chain. A step failure stops the run and yields a
// Failed result carrying the step and cause; caller-initiated cancellation
// yields Cancelled. In both cases Outputs retains the completed steps.
func (e *Engine) Run(ctx context.Context, chainName string, agent *config.AgentConfig, userInput string, emit extensions.EmitFunc) (*Result, error) {
	ctx, span := observability.GetTracer("ensemble.chains").Start(ctx, observability.SpanChainRun,
		trace.WithAttributes(attribute.String(observability.AttrChainName, chainName)))
	defer span.End()

	start := time.Now()
	result, err := e.run(ctx, chainName, agent, userInput, emit, 0)
	observability.GetGlobalMetrics().RecordChainRun(ctx, chainName, time.Since(start), err)
	return result, err
}

// Update replaces the chain table. Runs already in flight keep the
// definition they started with.
func (e *Engine) Update(chains map[string]*config.ChainConfig) {
	e.mu.Lock()
	e.chains = copyChains(chains)
	e.mu.Unlock()
}

// The engine owns its table so admin mutations never touch the loaded
// config document.
func copyChains(src map[string]*config.ChainConfig) map[string]*config.ChainConfig {
	dst := make(map[string]*config.ChainConfig, len(src))
	for name, chain := range src {
		dst[name] = chain
	}
	return dst
}

// Get returns the named chain definition.
func (e *Engine) Get(name string) (*config.ChainConfig, bool) {
	return e.lookup(name)
}

// List returns all chain definitions sorted by name.
func (e *Engine) List() []*config.ChainConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.chains))
	for name := range e.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*config.ChainConfig, 0, len(names))
	for _, name := range names {
		out = append(out, e.chains[name])
	}
	return out
}

// Put validates and stores a chain definition, replacing any existing one
// with the same name.
func (e *Engine) Put(chain *config.ChainConfig) error {
	if chain.Name == "" {
		return fmt.Errorf("chain needs a name")
	}
	if err := chain.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.chains[chain.Name] = chain
	e.mu.Unlock()
	return nil
}

// Delete removes a chain definition.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.chains[name]; !ok {
		return fmt.Errorf("unknown chain %q", name)
	}
	delete(e.chains, name)
	return nil
}

func (e *Engine) lookup(name string) (*config.ChainConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chain, ok := e.chains[name]
	return chain, ok
}

func (e *Engine) run(ctx context.Context, chainName string, agent *config.AgentConfig, userInput string, emit extensions.EmitFunc, depth int) (*Result, error) {
	chain, ok := e.lookup(chainName)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainName)
	}

	result := &Result{Status: StatusPending, Outputs: map[int]string{}}

	steps := make([]config.StepConfig, len(chain.Steps))
	copy(steps, chain.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	result.Status = StatusRunning
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			result.Status = StatusCancelled
			result.Cause = err
			return result, err
		}

		out, err := e.runStep(ctx, chain, step, agent, userInput, result.Outputs, emit, depth)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Status = StatusCancelled
				result.Cause = err
				return result, err
			}
			result.Status = StatusFailed
			result.FailedStep = step.StepNumber
			result.Cause = err
			return result, &StepError{Chain: chainName, Step: step.StepNumber, Cause: err}
		}

		result.Outputs[step.StepNumber] = out
		result.Final = out
	}

	result.Status = StatusDone
	return result, nil
}

func (e *Engine) runStep(ctx context.Context, chain *config.ChainConfig, step config.StepConfig, agent *config.AgentConfig, userInput string, outputs map[int]string, emit extensions.EmitFunc, depth int) (string, error) {
	stepAgent := agent
	if step.AgentName != "" {
		resolved, err := e.agents(step.AgentName)
		if err != nil {
			return "", err
		}
		stepAgent = resolved
	}

	args := materialize(step.Prompt, userInput, stepAgent, outputs)

	ctx, span := observability.GetTracer("ensemble.chains").Start(ctx, observability.SpanChainStep,
		trace.WithAttributes(
			attribute.String(observability.AttrChainName, chain.Name),
			attribute.Int(observability.AttrChainStep, step.StepNumber),
		))
	defer span.End()

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	e.logger.Debug("Running chain step",
		"chain", chain.Name, "step", step.StepNumber, "type", step.PromptType, "agent", agentName(stepAgent))

	switch step.PromptType {
	case "prompt", "":
		input := args["user_input"]
		if input == "" {
			input = userInput
		}
		delete(args, "user_input")
		overrides := make(map[string]string, len(args))
		for k, v := range args {
			overrides[k] = v
		}
		return e.prompts.RunPrompt(ctx, stepAgent, input, overrides)

	case "command":
		command := args["command"]
		if command == "" {
			return "", fmt.Errorf("step %d: command steps need a command argument", step.StepNumber)
		}
		delete(args, "command")
		cmdArgs := make(map[string]any, len(args))
		for k, v := range args {
			cmdArgs[k] = v
		}
		return e.commands.Run(ctx, stepAgent, command, cmdArgs, emit)

	case "chain":
		nested := args["chain"]
		if nested == "" {
			return "", fmt.Errorf("step %d: chain steps need a chain argument", step.StepNumber)
		}
		if depth+1 >= MaxDepth {
			return "", ErrRecursionLimit
		}
		input := args["user_input"]
		if input == "" {
			input = userInput
		}
		result, err := e.run(ctx, nested, stepAgent, input, emit, depth+1)
		if err != nil {
			return "", err
		}
		return result.Final, nil

	default:
		return "", fmt.Errorf("step %d: unknown prompt_type %q", step.StepNumber, step.PromptType)
	}
}

// materialize substitutes the chain tokens into every step argument.
// Only outputs of already-completed steps are present in the map, so a
// forward reference resolves to empty.
func materialize(stepArgs map[string]string, userInput string, agent *config.AgentConfig, outputs map[int]string) map[string]string {
	subs := map[string]string{
		"user_input": userInput,
		"agent_name": agentName(agent),
	}
	for n, out := range outputs {
		subs["STEP"+strconv.Itoa(n)+"_OUTPUT"] = out
	}

	out := make(map[string]string, len(stepArgs))
	for k, v := range stepArgs {
		out[k] = prompt.Substitute(v, subs)
	}
	return out
}

func agentName(agent *config.AgentConfig) string {
	if agent == nil {
		return ""
	}
	return agent.Name
}
