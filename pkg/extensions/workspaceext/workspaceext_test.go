package workspaceext

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
)

func workspaceAgent(t *testing.T) (*config.AgentConfig, string) {
	t.Helper()
	dir := t.TempDir()
	return &config.AgentConfig{
		Name: "tester",
		Settings: map[string]any{
			"WORKING_DIRECTORY":            dir,
			"WORKING_DIRECTORY_RESTRICTED": true,
		},
	}, dir
}

func TestReadAndWriteFile(t *testing.T) {
	agent, _ := workspaceAgent(t)
	ext := New()
	ec := extensions.ExecContext{Agent: agent}

	_, err := ext.Execute(context.Background(), "write_file", map[string]any{
		"path":    "notes/hello.txt",
		"content": "hello world",
	}, ec)
	require.NoError(t, err)

	out, err := ext.Execute(context.Background(), "read_file", map[string]any{
		"path": "notes/hello.txt",
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestListDirectory(t *testing.T) {
	agent, dir := workspaceAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	out, err := New().Execute(context.Background(), "list_directory", map[string]any{
		"path": ".",
	}, extensions.ExecContext{Agent: agent})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nsub/", out)
}

func TestRestrictedWorkspaceRejectsEscape(t *testing.T) {
	agent, _ := workspaceAgent(t)
	ec := extensions.ExecContext{Agent: agent}

	_, err := New().Execute(context.Background(), "read_file", map[string]any{
		"path": "../outside.txt",
	}, ec)
	assert.Error(t, err)

	_, err = New().Execute(context.Background(), "read_file", map[string]any{
		"path": "/etc/hostname",
	}, ec)
	assert.Error(t, err)
}

func TestUnrestrictedWorkspaceAllowsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("free"), 0o644))

	agent := &config.AgentConfig{
		Name: "tester",
		Settings: map[string]any{
			"WORKING_DIRECTORY":            dir,
			"WORKING_DIRECTORY_RESTRICTED": false,
		},
	}

	out, err := New().Execute(context.Background(), "read_file", map[string]any{
		"path": outside,
	}, extensions.ExecContext{Agent: agent})
	require.NoError(t, err)
	assert.Equal(t, "free", out)
}

func TestExecuteShellCapturesStderrOnFailure(t *testing.T) {
	agent, _ := workspaceAgent(t)

	_, err := New().Execute(context.Background(), "execute_shell", map[string]any{
		"command": "echo broken >&2; exit 3",
	}, extensions.ExecContext{Agent: agent})
	require.Error(t, err)

	var cf *extensions.CommandFailedError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "broken", cf.Stderr)
}

func TestExecuteShellRunsInWorkspace(t *testing.T) {
	agent, dir := workspaceAgent(t)

	out, err := New().Execute(context.Background(), "execute_shell", map[string]any{
		"command": "pwd",
	}, extensions.ExecContext{Agent: agent})
	require.NoError(t, err)

	resolved, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(filepath.Clean(out[:len(out)-1]))
	assert.Equal(t, resolved, got)
}
