package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is one command invocation parsed out of model output.
type ToolCall struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

// toolBlockRe matches the fenced JSON block the prompt assembler teaches
// the model to emit. Only the first block in a response is honored.
var toolBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseToolCall scans model output for a tool-call block. It accepts the
// fenced form the prompt grammar prescribes, or a bare JSON object when the
// whole response is one. Responses without a valid block parse as nil.
func ParseToolCall(text string) (*ToolCall, bool) {
	var payload string
	if m := toolBlockRe.FindStringSubmatch(text); m != nil {
		payload = m[1]
	} else if t := strings.TrimSpace(text); strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
		payload = t
	} else {
		return nil, false
	}

	var call ToolCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, false
	}
	if call.Command == "" {
		return nil, false
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return &call, true
}
