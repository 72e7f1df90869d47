// Package agent defines the descriptor contract for delegate reasoning
// agents used by coordinated execution. Descriptors are configuration, not
// behavior: the core only needs a name, a capability set, and prompt text.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"reflex/internal/logging"
)

// Descriptor describes one delegate agent.
type Descriptor struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
	Prompt       string   `yaml:"prompt"`
}

// Validate checks the structural contract.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("agent descriptor missing name")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("agent %q missing prompt", d.Name)
	}
	return nil
}

// Registry is an immutable snapshot of agent descriptors, populated at
// startup and passed into the dispatcher. Replace the whole registry to
// change it; per-dispatch readers never see a partial update.
type Registry struct {
	agents []Descriptor
}

// NewRegistry builds a registry from validated descriptors.
func NewRegistry(agents []Descriptor) (*Registry, error) {
	for i := range agents {
		if err := agents[i].Validate(); err != nil {
			return nil, err
		}
	}
	snapshot := make([]Descriptor, len(agents))
	copy(snapshot, agents)
	return &Registry{agents: snapshot}, nil
}

// LoadDir reads all *.yaml descriptors from a directory into a registry.
// A missing directory yields an empty registry.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return &Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}

	var agents []Descriptor
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read agent file %s: %w", e.Name(), err)
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to parse agent file %s: %w", e.Name(), err)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("invalid agent file %s: %w", e.Name(), err)
		}
		agents = append(agents, d)
	}

	logging.Boot("Loaded %d agent descriptors from %s", len(agents), dir)
	return NewRegistry(agents)
}

// All returns a copy of the descriptor list.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.agents))
	copy(out, r.agents)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
