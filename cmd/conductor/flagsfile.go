package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstack/conductor/internal/flags"
)

// flagsFile is the on-disk YAML shape for a flags.yaml file. flags.Flag
// itself carries no YAML tags (it is an in-memory evaluation structure, not
// a serialization format), so this is the file-facing counterpart the CLI
// and serve's reload loop translate through.
type flagsFile struct {
	Flags []flagFileEntry `yaml:"flags"`
}

type flagFileEntry struct {
	Name           string            `yaml:"name"`
	Strategy       string            `yaml:"strategy"`
	Percentage     int               `yaml:"percentage,omitempty"`
	UserWhitelist  []string          `yaml:"user_whitelist,omitempty"`
	GroupWhitelist []string          `yaml:"group_whitelist,omitempty"`
	RolloutStart   *time.Time        `yaml:"rollout_start,omitempty"`
	RolloutEnd     *time.Time        `yaml:"rollout_end,omitempty"`
	Variants       []flagVariantFile `yaml:"variants,omitempty"`
	DependsOn      []string          `yaml:"depends_on,omitempty"`
	ConflictsWith  []string          `yaml:"conflicts_with,omitempty"`
}

type flagVariantFile struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

// loadFlagsFile reads and parses a flags.yaml file. A missing file is not
// an error: it is treated as an empty flag set, the same degraded-mode
// posture the registry and state store take for their own missing files.
func loadFlagsFile(path string) (flagsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return flagsFile{}, nil
		}
		return flagsFile{}, err
	}
	var f flagsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return flagsFile{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

func saveFlagsFile(path string, f flagsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// toFlag converts one file entry to the flags.Flag shape Manager evaluates.
func (e flagFileEntry) toFlag() flags.Flag {
	f := flags.Flag{
		Name:          e.Name,
		Strategy:      flags.Strategy(e.Strategy),
		Percentage:    e.Percentage,
		DependsOn:     e.DependsOn,
		ConflictsWith: e.ConflictsWith,
	}
	if len(e.UserWhitelist) > 0 {
		f.UserWhitelist = make(map[string]bool, len(e.UserWhitelist))
		for _, u := range e.UserWhitelist {
			f.UserWhitelist[u] = true
		}
	}
	if len(e.GroupWhitelist) > 0 {
		f.GroupWhitelist = make(map[string]bool, len(e.GroupWhitelist))
		for _, g := range e.GroupWhitelist {
			f.GroupWhitelist[g] = true
		}
	}
	if e.RolloutStart != nil {
		f.RolloutStart = *e.RolloutStart
	}
	if e.RolloutEnd != nil {
		f.RolloutEnd = *e.RolloutEnd
	}
	for _, v := range e.Variants {
		f.Variants = append(f.Variants, flags.Variant{Name: v.Name, Weight: v.Weight})
	}
	return f
}

// loadFlagsManager builds a Manager from a flags.yaml file on disk.
func loadFlagsManager(path string) (*flags.Manager, error) {
	file, err := loadFlagsFile(path)
	if err != nil {
		return nil, err
	}
	entries := make([]flags.Flag, 0, len(file.Flags))
	for _, e := range file.Flags {
		entries = append(entries, e.toFlag())
	}
	return flags.New(entries), nil
}
