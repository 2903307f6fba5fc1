package extensions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ensemble-ai/ensemble/pkg/registry"
)

// Registry indexes extensions and their commands. Command names are global;
// registering two extensions that declare the same command name fails.
type Registry struct {
	extensions *registry.BaseRegistry[Extension]
	commands   *registry.BaseRegistry[commandBinding]
}

type commandBinding struct {
	extension  Extension
	descriptor Command
}

func NewRegistry() *Registry {
	return &Registry{
		extensions: registry.NewBaseRegistry[Extension](),
		commands:   registry.NewBaseRegistry[commandBinding](),
	}
}

// Register adds an extension and indexes its commands.
func (r *Registry) Register(ext Extension) error {
	if err := r.extensions.Register(ext.Name(), ext); err != nil {
		return err
	}
	var registered []string
	for _, cmd := range ext.Commands() {
		if err := r.commands.Register(cmd.Name, commandBinding{extension: ext, descriptor: cmd}); err != nil {
			for _, name := range registered {
				r.commands.Remove(name)
			}
			r.extensions.Remove(ext.Name())
			return fmt.Errorf("extension %s: %w", ext.Name(), err)
		}
		registered = append(registered, cmd.Name)
	}
	return nil
}

// ListExtensions returns registered extension names, sorted.
func (r *Registry) ListExtensions() []string {
	return r.extensions.Names()
}

// Commands returns the command descriptors of one extension.
func (r *Registry) Commands(ext string) ([]Command, error) {
	e, ok := r.extensions.Get(ext)
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", ext)
	}
	return e.Commands(), nil
}

// Resolve maps a command name to its extension and descriptor.
func (r *Registry) Resolve(command string) (Extension, Command, error) {
	b, ok := r.commands.Get(command)
	if !ok {
		return nil, Command{}, fmt.Errorf("%w: %s", ErrCommandUnknown, command)
	}
	return b.extension, b.descriptor, nil
}

// SettingsSchema returns the extension's required agent-scoped settings,
// empty when the extension declares none.
func (r *Registry) SettingsSchema(ext string) (map[string]any, error) {
	e, ok := r.extensions.Get(ext)
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", ext)
	}
	if sd, ok := e.(SettingsDescriber); ok {
		return sd.SettingsSchema(), nil
	}
	return map[string]any{}, nil
}

// AllCommands returns every registered descriptor sorted by name.
func (r *Registry) AllCommands() []Command {
	names := r.commands.Names()
	out := make([]Command, 0, len(names))
	for _, name := range names {
		b, _ := r.commands.Get(name)
		out = append(out, b.descriptor)
	}
	return out
}

// Catalog renders the enabled subset of commands as a compact bullet list
// for prompt injection: name, argument names and a one-line description.
func (r *Registry) Catalog(enabled map[string]bool) string {
	var lines []string
	for _, cmd := range r.AllCommands() {
		if !enabled[cmd.Name] {
			continue
		}
		var args []string
		for _, a := range cmd.Args {
			if a.Required {
				args = append(args, a.Name)
			} else {
				args = append(args, a.Name+"?")
			}
		}
		line := fmt.Sprintf("- %s(%s)", cmd.Name, strings.Join(args, ", "))
		if cmd.Description != "" {
			line += ": " + cmd.Description
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
