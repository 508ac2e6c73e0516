package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtin embed.FS

// Registry holds the scenarios available to the simulator.
type Registry struct {
	scenarios map[string]*Scenario
}

func NewRegistry() *Registry {
	return &Registry{scenarios: make(map[string]*Scenario)}
}

// Parse decodes one scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario has no name")
	}
	for i, p := range s.Phases {
		if p.Duration == "" || p.Duration == "unlimited" {
			continue
		}
		if _, err := time.ParseDuration(p.Duration); err != nil {
			return nil, fmt.Errorf("phase %d (%s): invalid duration %q", i, p.Name, p.Duration)
		}
	}
	return &s, nil
}

// LoadFromFile adds the scenario in path.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	r.scenarios[s.Name] = s
	return nil
}

// LoadFromDir adds every .yaml or .yml file in dir.
func (r *Registry) LoadFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read scenarios directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		if err := r.LoadFromFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadBuiltin adds the scenarios compiled into the binary.
func (r *Registry) LoadBuiltin() error {
	return r.loadFS(builtin, "builtin")
}

func (r *Registry) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read embedded scenarios: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		p := path.Join(dir, entry.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read embedded file %s: %w", p, err)
		}
		s, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		r.scenarios[s.Name] = s
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Get returns the named scenario.
func (r *Registry) Get(name string) (*Scenario, error) {
	s, ok := r.scenarios[name]
	if !ok {
		return nil, fmt.Errorf("scenario '%s' not found", name)
	}
	return s, nil
}

// List returns the scenario names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.scenarios))
	for name := range r.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions maps scenario names to their descriptions.
func (r *Registry) Descriptions() map[string]string {
	out := make(map[string]string, len(r.scenarios))
	for name, s := range r.scenarios {
		out[name] = s.Description
	}
	return out
}
