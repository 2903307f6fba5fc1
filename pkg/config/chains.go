package config

import "fmt"

// ChainConfig declares an ordered script of steps.
type ChainConfig struct {
	// Name is filled from the map key.
	Name string `yaml:"-" json:"-"`

	// Description shows up in introspection endpoints.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`

	// Steps execute in ascending step_number.
	Steps []StepConfig `yaml:"steps" json:"steps" jsonschema:"title=Steps"`
}

// StepConfig is one chain step. Prompt argument values may carry the
// literal tokens {user_input}, {agent_name} and {STEPn_OUTPUT}; the chain
// engine substitutes them just before the step executes.
type StepConfig struct {
	// StepNumber orders the step; unique within the chain.
	StepNumber int `yaml:"step_number" json:"step_number" jsonschema:"title=Step Number"`

	// AgentName overrides the executing agent. Empty inherits the
	// chain run's agent.
	AgentName string `yaml:"agent_name,omitempty" json:"agent_name,omitempty" jsonschema:"title=Agent Name"`

	// PromptType: prompt, command or chain.
	PromptType string `yaml:"prompt_type" json:"prompt_type" jsonschema:"title=Prompt Type,enum=prompt,enum=command,enum=chain"`

	// Prompt is the argument map for the target. For prompt steps the
	// template is named by prompt_name/prompt_category keys; for command
	// steps the command key selects the command; for chain steps the
	// chain key selects the nested chain.
	Prompt map[string]string `yaml:"prompt" json:"prompt" jsonschema:"title=Prompt Arguments"`
}

func (c *ChainConfig) SetDefaults(name string) {
	c.Name = name
}

// Validate rejects duplicate step numbers and unknown prompt types at load,
// per the chain authoring contract.
func (c *ChainConfig) Validate() error {
	seen := make(map[int]bool, len(c.Steps))
	for _, step := range c.Steps {
		if seen[step.StepNumber] {
			return fmt.Errorf("duplicate step_number %d", step.StepNumber)
		}
		seen[step.StepNumber] = true

		switch step.PromptType {
		case "prompt", "command", "chain":
		default:
			return fmt.Errorf("step %d: invalid prompt_type %q", step.StepNumber, step.PromptType)
		}
	}
	return nil
}
