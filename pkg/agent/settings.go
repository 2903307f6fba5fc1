// Package agent runs the per-request pipeline: snapshot the agent config,
// assemble the prompt, route it to a provider, execute tool calls and write
// the conversation entries.
package agent

import (
	"strconv"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Snapshot is the immutable per-request view of an agent's settings with
// typed accessors for the keys the runtime reads. Unknown keys pass through
// to provider adapters untouched.
type Snapshot struct {
	cfg *config.AgentConfig
}

func NewSnapshot(cfg *config.AgentConfig) Snapshot {
	return Snapshot{cfg: cfg}
}

func (s Snapshot) Config() *config.AgentConfig { return s.cfg }

func (s Snapshot) Name() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.Name
}

// Mode returns the agent's request mode: prompt, chain or command.
func (s Snapshot) Mode() string {
	if m := s.cfg.SettingString("mode"); m != "" {
		return m
	}
	return "prompt"
}

func (s Snapshot) PromptCategory() string {
	if c := s.cfg.SettingString("prompt_category"); c != "" {
		return c
	}
	return "assistant"
}

func (s Snapshot) PromptName() string {
	if n := s.cfg.SettingString("prompt_name"); n != "" {
		return n
	}
	return "default"
}

// ChainName names the chain a chain-mode agent delegates to.
func (s Snapshot) ChainName() string {
	return s.cfg.SettingString("chain_name")
}

func (s Snapshot) Model() string {
	return s.cfg.SettingString("AI_MODEL")
}

func (s Snapshot) Temperature() *float64 {
	return s.settingFloat("AI_TEMPERATURE")
}

func (s Snapshot) TopP() *float64 {
	return s.settingFloat("AI_TOP_P")
}

func (s Snapshot) MaxTokens() int {
	return s.settingInt("MAX_TOKENS")
}

// Autonomous reports whether the runtime may execute tool calls the model
// emits without asking the caller.
func (s Snapshot) Autonomous() bool {
	return s.settingBool("AUTONOMOUS_EXECUTION", false)
}

func (s Snapshot) UseSmartest() bool {
	return s.settingBool("use_smartest", false)
}

func (s Snapshot) LogUserInput() bool {
	return s.settingBool("log_user_input", true)
}

func (s Snapshot) LogOutput() bool {
	return s.settingBool("log_output", true)
}

func (s Snapshot) HelperAgent() string {
	return s.cfg.SettingString("helper_agent_name")
}

func (s Snapshot) settingBool(key string, fallback bool) bool {
	if s.cfg == nil || s.cfg.Settings == nil {
		return fallback
	}
	switch v := s.cfg.Settings[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (s Snapshot) settingFloat(key string) *float64 {
	if s.cfg == nil || s.cfg.Settings == nil {
		return nil
	}
	switch v := s.cfg.Settings[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}

func (s Snapshot) settingInt(key string) int {
	if s.cfg == nil || s.cfg.Settings == nil {
		return 0
	}
	switch v := s.cfg.Settings[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
