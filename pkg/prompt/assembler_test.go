package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/memory"
)

type fakeMemory struct {
	queries  []string
	snippets []memory.Snippet
}

func (f *fakeMemory) Retrieve(_ context.Context, collection, query string, _ int) ([]memory.Snippet, error) {
	f.queries = append(f.queries, collection+":"+query)
	return f.snippets, nil
}

func (f *fakeMemory) Index(context.Context, string, string, string) error { return nil }
func (f *fakeMemory) Close() error                                        { return nil }

type catalogExtension struct{}

func (catalogExtension) Name() string { return "testing" }
func (catalogExtension) Commands() []extensions.Command {
	return []extensions.Command{
		{Name: "echo", Description: "Echo text", Args: []extensions.Arg{{Name: "text", Required: true}}},
	}
}
func (catalogExtension) Execute(context.Context, string, map[string]any, extensions.ExecContext) (string, error) {
	return "", nil
}

func storeWith(t *testing.T, id, text string) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.Seed(map[string]string{id: text}))
	return s
}

func TestBuildSubstitutesBasics(t *testing.T) {
	s := storeWith(t, "chat/default", "You are {agent_name}. {persona}\nUser says: {user_input}")
	a := NewAssembler(s, nil, nil, 0)

	agent := &config.AgentConfig{Name: "helper", Persona: "Be kind."}
	out, tokens, err := a.Build(context.Background(), Request{
		Category: "chat", Name: "default",
		UserInput: "hi there",
		Agent:     agent,
	})
	require.NoError(t, err)
	assert.Equal(t, "You are helper. Be kind.\nUser says: hi there", out)
	assert.Positive(t, tokens)
}

func TestBuildUnknownPlaceholderResolvesEmpty(t *testing.T) {
	s := storeWith(t, "chat/legacy", "before {mystery_token} after")
	a := NewAssembler(s, nil, nil, 0)

	out, _, err := a.Build(context.Background(), Request{Category: "chat", Name: "legacy"})
	require.NoError(t, err)
	assert.Equal(t, "before  after", out)
}

func TestContextPlaceholderTriggersRetrieval(t *testing.T) {
	mem := &fakeMemory{snippets: []memory.Snippet{{Text: "fact one"}, {Text: "fact two"}}}
	s := storeWith(t, "chat/rag", "Context:\n{context}\nQ: {user_input}")
	a := NewAssembler(s, mem, nil, 0)

	agent := &config.AgentConfig{Name: "helper", TrainingSources: []string{"docs"}}
	out, _, err := a.Build(context.Background(), Request{
		Category: "chat", Name: "rag",
		UserInput: "what is it",
		Agent:     agent,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "fact one\n\nfact two")
	assert.Equal(t, []string{"docs:what is it"}, mem.queries)
}

func TestNoContextPlaceholderSkipsRetrieval(t *testing.T) {
	mem := &fakeMemory{snippets: []memory.Snippet{{Text: "fact"}}}
	s := storeWith(t, "chat/plain", "Q: {user_input}")
	a := NewAssembler(s, mem, nil, 0)

	agent := &config.AgentConfig{Name: "helper", TrainingSources: []string{"docs"}}
	_, _, err := a.Build(context.Background(), Request{
		Category: "chat", Name: "plain",
		UserInput: "hi",
		Agent:     agent,
	})
	require.NoError(t, err)
	assert.Empty(t, mem.queries, "templates without {context} must not retrieve")
}

func TestCommandsPlaceholderInjectsCatalogAndGrammar(t *testing.T) {
	reg := extensions.NewRegistry()
	require.NoError(t, reg.Register(catalogExtension{}))

	s := storeWith(t, "chat/tools", "{commands}\nQ: {user_input}")
	a := NewAssembler(s, nil, reg, 0)

	agent := &config.AgentConfig{Name: "helper", Commands: map[string]bool{"echo": true}}
	out, _, err := a.Build(context.Background(), Request{
		Category: "chat", Name: "tools",
		UserInput: "hi",
		Agent:     agent,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "echo(text)")
	assert.Contains(t, out, `"command"`)
	assert.Contains(t, out, "```json")
}

func TestConversationHistoryRendering(t *testing.T) {
	s := storeWith(t, "chat/window", "{conversation_history}\nQ: {user_input}")
	a := NewAssembler(s, nil, nil, 0)

	out, _, err := a.Build(context.Background(), Request{
		Category: "chat", Name: "window",
		UserInput: "next",
		Window: []conversations.Interaction{
			{Role: "user", Message: "hi"},
			{Role: "helper", Message: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "user: hi\nhelper: hello")
}

func TestOverridesWinOverAssembledValues(t *testing.T) {
	s := storeWith(t, "chain/step", "Say {user_input} and {STEP1_OUTPUT}")
	a := NewAssembler(s, nil, nil, 0)

	out, _, err := a.Build(context.Background(), Request{
		Category: "chain", Name: "step",
		UserInput: "ignored",
		Overrides: map[string]string{"user_input": "x", "STEP1_OUTPUT": "prior"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Say x and prior", out)
}

func TestEstimateMonotonicUnderConcatenation(t *testing.T) {
	a := NewAssembler(NewStore(), nil, nil, 0)

	// Fragments chosen so that token merges would shrink a BPE count as the
	// text grows; the estimate must never decrease regardless.
	pieces := []string{
		"The quick brown fox",
		" jumps", " over", " the lazy dog.",
		" 12345", "67890",
		" héllo", " wörld",
		"\n```json\n{\"command\": \"echo\"}\n```",
	}
	text := ""
	prev := 0
	for _, p := range pieces {
		text += p
		est := a.Estimate(text)
		assert.GreaterOrEqual(t, est, prev, "estimate shrank after appending %q", p)
		prev = est
	}

	assert.Positive(t, a.Estimate("x"))
	assert.Zero(t, a.Estimate(""))
}

func TestPlaceholderExtraction(t *testing.T) {
	tpl := "a {user_input} b {context} c {user_input} d {STEP3_OUTPUT} e {weird}"
	assert.Equal(t, []string{"user_input", "context", "STEP3_OUTPUT", "weird"}, Placeholders(tpl))
	assert.Equal(t, []string{"weird"}, UnknownPlaceholders(tpl))
}

func TestStoreCRUD(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Save(Template{Category: "chat", Name: "a", Text: "hello {user_input}"}))
	require.NoError(t, s.Save(Template{Category: "chat", Name: "b", Text: "bye"}))

	got, err := s.Get("chat", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_input"}, got.Placeholders)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "chat/a", list[0].ID())

	require.NoError(t, s.Delete("chat", "a"))
	_, err = s.Get("chat", "a")
	assert.Error(t, err)
	assert.Error(t, s.Delete("chat", "a"))
}

func TestSeedRejectsMalformedKeys(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.Seed(map[string]string{"nocategory": "text"}))
}
