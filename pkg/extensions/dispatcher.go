package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
)

// Dispatcher resolves commands, binds arguments and executes them under an
// agent's enabled-command set. Every run logs exactly one tool:<name>
// interaction through the emit callback, even on failure (the message is
// then the error text, flagged as an error).
type Dispatcher struct {
	registry *Registry
	sandbox  Sandbox
	logger   *slog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithSandbox routes sandboxed commands through the external facility.
func WithSandbox(s Sandbox) DispatcherOption {
	return func(d *Dispatcher) { d.sandbox = s }
}

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg, logger: logger.Get()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EmitFunc appends one interaction. The error flag marks failed tool runs
// so the conversation stays coherent without pretending the tool succeeded.
type EmitFunc func(role, message string, isError bool)

// Run executes one command for the agent. Every outcome is logged as one
// tool:<name> interaction: resolution, policy and binding failures emit the
// error text with the error flag just like execution failures do, so the
// conversation records what the model attempted even when nothing ran.
func (d *Dispatcher) Run(ctx context.Context, agent *config.AgentConfig, command string, args map[string]any, emit EmitFunc) (string, error) {
	out, err := d.dispatch(ctx, agent, command, args, emit)

	role := "tool:" + command
	if err != nil {
		d.logger.Warn("Command failed", "command", command, "agent", agentName(agent), "error", err)
		if emit != nil {
			emit(role, err.Error(), true)
		}
		return "", err
	}

	if emit != nil {
		emit(role, out, false)
	}
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, agent *config.AgentConfig, command string, args map[string]any, emit EmitFunc) (string, error) {
	ext, desc, err := d.registry.Resolve(command)
	if err != nil {
		return "", err
	}

	if agent == nil || !agent.Commands[command] {
		return "", fmt.Errorf("%w: %s", ErrCommandDisabled, command)
	}

	bound, err := Bind(desc, args)
	if err != nil {
		return "", err
	}

	ctx, span := observability.GetTracer("ensemble.extensions").Start(ctx, observability.SpanCommandDispatch,
		trace.WithAttributes(
			attribute.String(observability.AttrCommandName, command),
			attribute.String(observability.AttrAgentName, agent.Name),
		))
	defer span.End()

	start := time.Now()
	out, execErr := d.execute(ctx, ext, desc, command, bound, agent, emit)
	observability.GetGlobalMetrics().RecordCommandExecution(ctx, command, time.Since(start), execErr)
	if execErr != nil {
		return "", execErr
	}

	d.logger.Debug("Command completed", "command", command, "agent", agent.Name, "duration", time.Since(start))
	return out, nil
}

func agentName(agent *config.AgentConfig) string {
	if agent == nil {
		return ""
	}
	return agent.Name
}

func (d *Dispatcher) execute(ctx context.Context, ext Extension, desc Command, command string, args map[string]any, agent *config.AgentConfig, emit EmitFunc) (string, error) {
	if desc.Sandboxed && d.sandbox != nil {
		stdout, stderr, code, err := d.sandbox.Exec(ctx, command, args)
		if err != nil {
			return "", &CommandFailedError{Command: command, Stderr: stderr, Err: err}
		}
		if code != 0 {
			return "", &CommandFailedError{
				Command: command,
				Stderr:  stderr,
				Err:     fmt.Errorf("sandbox exit code %d", code),
			}
		}
		return stdout, nil
	}

	ec := ExecContext{Agent: agent}
	if emit != nil {
		ec.Emit = func(role, message string) { emit(role, message, false) }
	}

	out, err := ext.Execute(ctx, command, args, ec)
	if err != nil {
		var cf *CommandFailedError
		if !errors.As(err, &cf) {
			err = &CommandFailedError{Command: command, Err: err}
		}
		return "", err
	}
	return out, nil
}

// Bind materializes the argument map for a descriptor: declared arguments
// resolve by exact name, then default, and missing required arguments fail.
// Unexpected keys are forwarded only when the descriptor allows extras.
func Bind(desc Command, args map[string]any) (map[string]any, error) {
	declared := make(map[string]bool, len(desc.Args))
	bound := make(map[string]any, len(desc.Args))

	for _, a := range desc.Args {
		declared[a.Name] = true
		if v, ok := args[a.Name]; ok {
			bound[a.Name] = v
			continue
		}
		if a.Default != nil {
			bound[a.Name] = a.Default
			continue
		}
		if a.Required {
			return nil, &ArgumentError{Command: desc.Name, Arg: a.Name, Reason: "required argument missing"}
		}
	}

	for k, v := range args {
		if declared[k] {
			continue
		}
		if !desc.AllowExtraArgs {
			return nil, &ArgumentError{Command: desc.Name, Arg: k, Reason: "unexpected argument"}
		}
		bound[k] = v
	}
	return bound, nil
}
