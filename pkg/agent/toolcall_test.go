package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCallFencedBlock(t *testing.T) {
	call, ok := ParseToolCall("```json\n{\"command\": \"echo\", \"args\": {\"text\": \"hi\"}}\n```")
	require.True(t, ok)
	assert.Equal(t, "echo", call.Command)
	assert.Equal(t, "hi", call.Args["text"])
}

func TestParseToolCallFenceWithoutLanguageTag(t *testing.T) {
	call, ok := ParseToolCall("```\n{\"command\": \"read_file\", \"args\": {\"path\": \"a.txt\"}}\n```")
	require.True(t, ok)
	assert.Equal(t, "read_file", call.Command)
}

func TestParseToolCallSurroundedByProse(t *testing.T) {
	text := "I will check the file first.\n\n```json\n{\"command\": \"list_directory\", \"args\": {}}\n```\n\nThen I'll continue."
	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "list_directory", call.Command)
	assert.NotNil(t, call.Args)
}

func TestParseToolCallBareJSONObject(t *testing.T) {
	call, ok := ParseToolCall(`  {"command": "echo", "args": {"text": "x"}}  `)
	require.True(t, ok)
	assert.Equal(t, "echo", call.Command)
}

func TestParseToolCallPlainTextIsNotACall(t *testing.T) {
	_, ok := ParseToolCall("The answer is 42.")
	assert.False(t, ok)
}

func TestParseToolCallRejectsInvalidJSON(t *testing.T) {
	_, ok := ParseToolCall("```json\n{\"command\": }\n```")
	assert.False(t, ok)
}

func TestParseToolCallRequiresCommand(t *testing.T) {
	_, ok := ParseToolCall("```json\n{\"args\": {\"text\": \"x\"}}\n```")
	assert.False(t, ok)
}

func TestParseToolCallMissingArgsDefaultsEmpty(t *testing.T) {
	call, ok := ParseToolCall("```json\n{\"command\": \"echo\"}\n```")
	require.True(t, ok)
	assert.NotNil(t, call.Args)
	assert.Empty(t, call.Args)
}
