package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/jeanpaul/relay/internal/types"
)

const templatePattern = "**/*.{yaml,yml}"

// ParseTemplate decodes one YAML template document.
func ParseTemplate(data []byte) (*types.AgentTemplate, error) {
	var t types.AgentTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, fmt.Errorf("template has no id")
	}
	if t.OutputMode == "" {
		t.OutputMode = types.OutputLastMessage
	}
	return &t, nil
}

// LoadTemplates reads every *.yaml / *.yml file under fsys, recursively, in
// lexical path order.
func LoadTemplates(fsys fs.FS) ([]*types.AgentTemplate, error) {
	paths, err := doublestar.Glob(fsys, templatePattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []*types.AgentTemplate
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		t, err := ParseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadTemplateDir is LoadTemplates over a directory. A missing directory
// yields no templates.
func LoadTemplateDir(dir string) ([]*types.AgentTemplate, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	return LoadTemplates(os.DirFS(dir))
}

func templateFile(dir, id string) string {
	return filepath.Join(dir, strings.ReplaceAll(id, "/", "__")+".yaml")
}

func SaveTemplate(dir string, t *types.AgentTemplate) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(templateFile(dir, t.ID), data, 0644)
}

func LoadTemplate(dir, id string) (*types.AgentTemplate, error) {
	data, err := os.ReadFile(templateFile(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent '%s' not found", id)
		}
		return nil, err
	}
	return ParseTemplate(data)
}

func DeleteTemplate(dir, id string) error {
	filename := templateFile(dir, id)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("agent '%s' not found", id)
	}
	return os.Remove(filename)
}
