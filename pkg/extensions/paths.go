package extensions

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// WorkspaceRoot returns the agent's working directory, defaulting to the
// process working directory.
func WorkspaceRoot(agent *config.AgentConfig) string {
	if root := agent.SettingString("WORKING_DIRECTORY"); root != "" {
		return root
	}
	return "."
}

// ResolvePath resolves a command-supplied path against the agent's
// workspace root. When WORKING_DIRECTORY_RESTRICTED is set (the default),
// paths escaping the root are rejected.
func ResolvePath(agent *config.AgentConfig, path string) (string, error) {
	root, err := filepath.Abs(WorkspaceRoot(agent))
	if err != nil {
		return "", err
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	restricted := agent.SettingString("WORKING_DIRECTORY_RESTRICTED") != "false"
	if restricted && resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", path)
	}
	return resolved, nil
}
