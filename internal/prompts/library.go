// Package prompts provides the versioned prompt library. Templates are
// stored as JSON files and embedded at compile time; each agent kind has one
// file holding every version of its prompt, exactly one of which is active.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/inkwell-press/inkwell/internal/types"
)

//go:embed templates/*.json
var templateFiles embed.FS

// Template is one immutable prompt version for an agent. The Schema is the
// JSON Schema its output must validate against.
type Template struct {
	Agent           types.AgentKind `json:"agent"`
	Version         int             `json:"version"`
	Active          bool            `json:"active"`
	Model           string          `json:"model"`
	Temperature     float32         `json:"temperature"`
	MaxOutputTokens int             `json:"max_output_tokens"`
	RequiredSlots   []string        `json:"required_slots"`
	System          string          `json:"system"`
	User            string          `json:"user"`
	Schema          json.RawMessage `json:"schema"`
}

// Render fills the user template's {{.slot}} placeholders. Every required
// slot must be present with a non-empty value; extra slots are ignored.
func (t *Template) Render(slots map[string]string) (string, error) {
	for _, name := range t.RequiredSlots {
		if slots[name] == "" {
			return "", &ErrSlotMissing{Agent: string(t.Agent), Slot: name}
		}
	}
	out := t.User
	for name, value := range slots {
		out = strings.ReplaceAll(out, fmt.Sprintf("{{.%s}}", name), value)
	}
	return out, nil
}

// Library holds every parsed template, keyed by agent and version.
type Library struct {
	byAgent map[types.AgentKind][]*Template
	active  map[types.AgentKind]*Template
}

type agentFile struct {
	Agent    types.AgentKind `json:"agent"`
	Versions []*Template     `json:"versions"`
}

// NewLibrary parses the embedded template files. Each agent must declare
// exactly one active version.
func NewLibrary() (*Library, error) {
	lib := &Library{
		byAgent: make(map[types.AgentKind][]*Template),
		active:  make(map[types.AgentKind]*Template),
	}

	err := fs.WalkDir(templateFiles, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := templateFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template file %s: %w", path, err)
		}
		var file agentFile
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse template file %s: %w", path, err)
		}
		if _, err := types.ParseAgentKind(string(file.Agent)); err != nil {
			return fmt.Errorf("template file %s: %w", path, err)
		}
		for _, t := range file.Versions {
			t.Agent = file.Agent
			if t.Version <= 0 {
				return fmt.Errorf("template file %s: version must be positive", path)
			}
			if !json.Valid(t.Schema) {
				return fmt.Errorf("template file %s: invalid schema for version %d", path, t.Version)
			}
			lib.byAgent[file.Agent] = append(lib.byAgent[file.Agent], t)
			if t.Active {
				if lib.active[file.Agent] != nil {
					return fmt.Errorf("template file %s: multiple active versions", path)
				}
				lib.active[file.Agent] = t
			}
		}
		if lib.active[file.Agent] == nil {
			return fmt.Errorf("template file %s: no active version", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, kind := range types.AllAgentKinds() {
		if lib.active[kind] == nil {
			return nil, &ErrTemplateNotFound{Agent: string(kind)}
		}
	}
	return lib, nil
}

// Resolve returns the template for an agent. Version 0 selects the active
// version.
func (l *Library) Resolve(kind types.AgentKind, version int) (*Template, error) {
	if version == 0 {
		t := l.active[kind]
		if t == nil {
			return nil, &ErrTemplateNotFound{Agent: string(kind)}
		}
		return t, nil
	}
	for _, t := range l.byAgent[kind] {
		if t.Version == version {
			return t, nil
		}
	}
	return nil, &ErrTemplateNotFound{Agent: string(kind), Version: version}
}
