package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Filter narrows List results. A zero-value Filter matches every agent.
type Filter struct {
	CapabilityTag string
	CostTier      CostTier
}

// Registry holds the current set of loaded agent descriptors and serves
// lookups against it. Reload is atomic: a load failure never disturbs the
// descriptors already in use.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	agents map[string]AgentDescriptor
}

// Load reads every agent-definition file in dir and builds a Registry.
// Each file must follow the key: value header / "---" / system-prompt-body
// format documented in spec.md §6. Duplicate agent IDs are a load error.
func Load(dir string) (*Registry, error) {
	agents, err := loadDir(dir)
	if err != nil {
		return nil, err
	}
	return &Registry{dir: dir, agents: agents}, nil
}

func loadDir(dir string) (map[string]AgentDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading agent definition directory %q: %w", dir, err)
	}

	agents := make(map[string]AgentDescriptor)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading agent definition %q: %w", path, err)
		}
		desc, err := parseDefinition(string(content))
		if err != nil {
			return nil, fmt.Errorf("parsing agent definition %q: %w", path, err)
		}
		if _, exists := agents[desc.ID]; exists {
			return nil, fmt.Errorf("duplicate agent id %q (from %q)", desc.ID, path)
		}
		agents[desc.ID] = desc
	}
	return agents, nil
}

// Reload re-reads the registry's source directory and atomically swaps in
// the new descriptor set, but only once the new set has loaded without
// error. A malformed file under dir leaves the previous, valid registry
// fully in place.
func (r *Registry) Reload() error {
	agents, err := loadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	return nil
}

// Get returns the descriptor for id, if loaded.
func (r *Registry) Get(id string) (AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.agents[id]
	return desc, ok
}

// List returns descriptors matching filter, sorted by ID for determinism.
// A zero-value Filter returns every loaded agent.
func (r *Registry) List(filter Filter) []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(r.agents))
	for _, desc := range r.agents {
		if filter.CapabilityTag != "" && !hasTag(desc.CapabilityTags, filter.CapabilityTag) {
			continue
		}
		if filter.CostTier != "" && desc.CostTier != filter.CostTier {
			continue
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
