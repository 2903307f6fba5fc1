// Package workspaceext provides the built-in workspace extension: file
// access and shell execution scoped to the agent's working directory.
package workspaceext

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ensemble-ai/ensemble/pkg/extensions"
)

type Extension struct{}

func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string {
	return "workspace"
}

func (e *Extension) Commands() []extensions.Command {
	return []extensions.Command{
		{
			Name:        "read_file",
			DisplayName: "Read File",
			Description: "Read a file from the working directory",
			Category:    extensions.CategoryTool,
			Args: []extensions.Arg{
				{Name: "path", Type: "string", Description: "File path", Required: true},
			},
		},
		{
			Name:        "write_file",
			DisplayName: "Write File",
			Description: "Write a file in the working directory",
			Category:    extensions.CategoryTool,
			Args: []extensions.Arg{
				{Name: "path", Type: "string", Description: "File path", Required: true},
				{Name: "content", Type: "string", Description: "File content", Required: true},
			},
		},
		{
			Name:        "list_directory",
			DisplayName: "List Directory",
			Description: "List entries under a directory in the working directory",
			Category:    extensions.CategoryTool,
			Args: []extensions.Arg{
				{Name: "path", Type: "string", Description: "Directory path", Default: "."},
			},
		},
		{
			Name:        "execute_shell",
			DisplayName: "Execute Shell",
			Description: "Run a shell command in the working directory",
			Category:    extensions.CategoryTool,
			Sandboxed:   true,
			Args: []extensions.Arg{
				{Name: "command", Type: "string", Description: "Shell command line", Required: true},
			},
		},
	}
}

func (e *Extension) Execute(ctx context.Context, command string, args map[string]any, ec extensions.ExecContext) (string, error) {
	switch command {
	case "read_file":
		return e.readFile(args, ec)
	case "write_file":
		return e.writeFile(args, ec)
	case "list_directory":
		return e.listDirectory(args, ec)
	case "execute_shell":
		return e.executeShell(ctx, args, ec)
	default:
		return "", fmt.Errorf("%w: %s", extensions.ErrCommandUnknown, command)
	}
}

func (e *Extension) readFile(args map[string]any, ec extensions.ExecContext) (string, error) {
	var in struct {
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(args, &in); err != nil {
		return "", err
	}

	path, err := extensions.ResolvePath(ec.Agent, in.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Extension) writeFile(args map[string]any, ec extensions.ExecContext) (string, error) {
	var in struct {
		Path    string `mapstructure:"path"`
		Content string `mapstructure:"content"`
	}
	if err := mapstructure.Decode(args, &in); err != nil {
		return "", err
	}

	path, err := extensions.ResolvePath(ec.Agent, in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

func (e *Extension) listDirectory(args map[string]any, ec extensions.ExecContext) (string, error) {
	var in struct {
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(args, &in); err != nil {
		return "", err
	}

	path, err := extensions.ResolvePath(ec.Agent, in.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (e *Extension) executeShell(ctx context.Context, args map[string]any, ec extensions.ExecContext) (string, error) {
	var in struct {
		Command string `mapstructure:"command"`
	}
	if err := mapstructure.Decode(args, &in); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = extensions.WorkspaceRoot(ec.Agent)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &extensions.CommandFailedError{
			Command: "execute_shell",
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.String(), nil
}

var _ extensions.Extension = (*Extension)(nil)
