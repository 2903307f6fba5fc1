package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/memory"
	"github.com/ensemble-ai/ensemble/pkg/observability"
)

// toolGrammar documents the tool-call contract in the prompt whenever the
// command catalog is injected. The runtime parses exactly this shape back
// out of model output.
const toolGrammar = "To use a command, respond with only a fenced JSON block:\n" +
	"```json\n{\"command\": \"<name>\", \"args\": {\"<arg>\": \"<value>\"}}\n```"

// Assembler builds the final prompt text from a template plus request
// state, and estimates its input-token count.
type Assembler struct {
	store    *Store
	memory   memory.Store
	registry *extensions.Registry
	topK     int
	logger   *slog.Logger
}

func NewAssembler(store *Store, mem memory.Store, reg *extensions.Registry, topK int) *Assembler {
	if topK <= 0 {
		topK = 5
	}
	return &Assembler{
		store:    store,
		memory:   mem,
		registry: reg,
		topK:     topK,
		logger:   logger.Get(),
	}
}

// Request carries the inputs of one assembly.
type Request struct {
	Category  string
	Name      string
	UserInput string
	Agent     *config.AgentConfig

	// Window is the recent conversation slice, oldest first.
	Window []conversations.Interaction

	// Overrides are substituted last, on top of the assembled values.
	// Chain steps use them to inject materialized arguments.
	Overrides map[string]string
}

// Build assembles the prompt and returns it with a conservative token
// estimate. Placeholders absent from the substitution map resolve to the
// empty string.
func (a *Assembler) Build(ctx context.Context, req Request) (string, int, error) {
	ctx, span := observability.GetTracer("ensemble.prompt").Start(ctx, observability.SpanPromptAssembly)
	defer span.End()

	tpl, err := a.store.Get(req.Category, req.Name)
	if err != nil {
		return "", 0, err
	}

	placeholders := map[string]bool{}
	for _, p := range tpl.Placeholders {
		placeholders[p] = true
	}

	subs := map[string]string{
		"user_input": req.UserInput,
		"date":       time.Now().Format("2006-01-02"),
	}
	if req.Agent != nil {
		subs["agent_name"] = req.Agent.Name
		subs["persona"] = req.Agent.Persona
	}

	// The {context} placeholder is what triggers retrieval; templates
	// without it never touch the memory store.
	if placeholders["context"] {
		subs["context"] = a.retrieve(ctx, req)
	}

	if placeholders["commands"] && a.registry != nil && req.Agent != nil {
		catalog := a.registry.Catalog(req.Agent.Commands)
		if catalog != "" {
			subs["commands"] = catalog + "\n\n" + toolGrammar
		}
	}

	if placeholders["conversation_history"] {
		subs["conversation_history"] = renderWindow(req.Window)
	}

	for k, v := range req.Overrides {
		subs[k] = v
	}

	text := Substitute(tpl.Text, subs)
	return text, a.Estimate(text), nil
}

func (a *Assembler) retrieve(ctx context.Context, req Request) string {
	if a.memory == nil || req.Agent == nil || len(req.Agent.TrainingSources) == 0 {
		return ""
	}

	ctx, span := observability.GetTracer("ensemble.prompt").Start(ctx, observability.SpanMemoryRetrieval)
	defer span.End()

	var parts []string
	for _, collection := range req.Agent.TrainingSources {
		snippets, err := a.memory.Retrieve(ctx, collection, req.UserInput, a.topK)
		if err != nil {
			a.logger.Warn("Memory retrieval failed", "collection", collection, "error", err)
			continue
		}
		for _, s := range snippets {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderWindow(window []conversations.Interaction) string {
	var b strings.Builder
	for _, in := range window {
		fmt.Fprintf(&b, "%s: %s\n", in.Role, in.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Substitute replaces every {placeholder} with its value; placeholders
// without a value resolve to empty string.
func Substitute(text string, subs map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		return subs[key]
	})
}

// Estimate returns a conservative input-token count derived from byte
// length. Tokenizer counts are deliberately not consulted here: BPE counts
// can shrink as text grows, and routing needs est(a) <= est(a+b) to hold.
func (a *Assembler) Estimate(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
