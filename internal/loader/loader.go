// Package loader reads workflow files. YAML and Lua files describe the same
// Document, which becomes a definition.VersionSpec when published.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/devflow/internal/definition"
	"github.com/mpataki/devflow/internal/models"
	"gopkg.in/yaml.v3"
)

type Document struct {
	Name        string       `yaml:"name"`
	Type        string       `yaml:"type"`
	Description string       `yaml:"description"`
	AllowCycles bool         `yaml:"allow_cycles"`
	Stages      []Stage      `yaml:"stages"`
	Transitions []Transition `yaml:"transitions"`

	// Path is the file the document was read from.
	Path string `yaml:"-"`
}

type Stage struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Order defaults to the stage's position in the file.
	Order        *int                   `yaml:"order"`
	Checklist    []models.ChecklistItem `yaml:"checklist"`
	Deliverables []string               `yaml:"deliverables"`
}

type Transition struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	When     string `yaml:"when"`
	Priority int    `yaml:"priority"`
}

// VersionSpec converts the document into a publishable version.
func (d *Document) VersionSpec() definition.VersionSpec {
	spec := definition.VersionSpec{AllowCycles: d.AllowCycles}
	for i, st := range d.Stages {
		order := i
		if st.Order != nil {
			order = *st.Order
		}
		spec.Stages = append(spec.Stages, definition.StageSpec{
			Name:         st.Name,
			Order:        order,
			Description:  st.Description,
			Checklist:    st.Checklist,
			Deliverables: st.Deliverables,
		})
	}
	for _, t := range d.Transitions {
		spec.Transitions = append(spec.Transitions, definition.TransitionSpec{
			From:      t.From,
			To:        t.To,
			Condition: t.When,
			Priority:  t.Priority,
		})
	}
	return spec
}

// Parse reads a workflow file, choosing the format from its extension.
func Parse(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var doc *Document
	if IsLua(path) {
		doc, err = ParseLua(filepath.Base(path), string(data))
	} else {
		doc, err = ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	doc.Path = path
	if doc.Name == "" {
		doc.Name = baseName(path)
	}
	return doc, nil
}

func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	return &doc, nil
}

// LoadAll reads every workflow file in dirs. A later directory overrides an
// earlier one when both define the same workflow name; missing directories
// are skipped.
func LoadAll(dirs []string) (map[string]*Document, error) {
	docs := make(map[string]*Document)

	for _, dir := range dirs {
		if err := loadFromDir(dir, docs); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return docs, nil
}

func loadFromDir(dir string, docs map[string]*Document) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		doc, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		docs[doc.Name] = doc
	}

	return nil
}

func IsLua(path string) bool {
	return filepath.Ext(path) == ".lua"
}

func isWorkflowFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".lua":
		return true
	}
	return false
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
