// Package prompt holds the template store and the prompt assembler.
// Templates are plain text with {placeholder} substitutions; the
// placeholders present in a template decide which data the assembler
// fetches.
package prompt

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ensemble-ai/ensemble/pkg/logger"
)

var (
	placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
	stepOutputRe  = regexp.MustCompile(`^STEP[0-9]+_OUTPUT$`)
)

// Placeholders the assembler knows how to fill. Anything else in a
// template is tolerated (it resolves to empty) but flagged at authoring
// time.
var knownPlaceholders = map[string]bool{
	"user_input":           true,
	"persona":              true,
	"agent_name":           true,
	"context":              true,
	"commands":             true,
	"conversation_history": true,
	"date":                 true,
}

// Template is one stored prompt template.
type Template struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Text     string `json:"text"`

	// Placeholders is derived from Text at save time.
	Placeholders []string `json:"placeholders"`
}

// ID returns the "category/name" key.
func (t Template) ID() string {
	return t.Category + "/" + t.Name
}

// Placeholders extracts the distinct placeholder names from template text
// in order of first appearance.
func Placeholders(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// UnknownPlaceholders returns the placeholders the assembler cannot fill.
// Step-output and user-input tokens used by chains are always valid.
func UnknownPlaceholders(text string) []string {
	var out []string
	for _, p := range Placeholders(text) {
		if knownPlaceholders[p] || stepOutputRe.MatchString(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Store keeps templates in memory, seeded from configuration and mutable
// through the admin CRUD surface.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
	logger    *slog.Logger
}

func NewStore() *Store {
	return &Store{
		templates: make(map[string]Template),
		logger:    logger.Get(),
	}
}

// Seed loads templates from config ("category/name" keys). Existing
// entries with the same id are replaced.
func (s *Store) Seed(prompts map[string]string) error {
	for id, text := range prompts {
		category, name, ok := strings.Cut(id, "/")
		if !ok {
			return fmt.Errorf("prompt key %q must be category/name", id)
		}
		if err := s.Save(Template{Category: category, Name: name, Text: text}); err != nil {
			return err
		}
	}
	return nil
}

// Save stores a template, deriving its placeholder list. Unknown
// placeholders are an authoring error but only warned about, so legacy
// templates keep working.
func (s *Store) Save(t Template) error {
	if t.Category == "" || t.Name == "" {
		return fmt.Errorf("prompt template needs both category and name")
	}
	t.Placeholders = Placeholders(t.Text)
	if unknown := UnknownPlaceholders(t.Text); len(unknown) > 0 {
		s.logger.Warn("Prompt template uses unknown placeholders",
			"template", t.ID(), "placeholders", strings.Join(unknown, ","))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID()] = t
	return nil
}

func (s *Store) Get(category, name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[category+"/"+name]
	if !ok {
		return Template{}, fmt.Errorf("unknown prompt template %s/%s", category, name)
	}
	return t, nil
}

func (s *Store) Delete(category, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := category + "/" + name
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("unknown prompt template %s", id)
	}
	delete(s.templates, id)
	return nil
}

// List returns all templates sorted by id.
func (s *Store) List() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
