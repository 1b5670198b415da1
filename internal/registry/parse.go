package registry

import (
	"fmt"
	"strings"
)

// headerSeparator divides a definition file's key: value header from its
// free-form system prompt body, on its own line.
const headerSeparator = "---"

var knownHeaderKeys = map[string]bool{
	"id":             true,
	"displayname":    true,
	"defaultmodel":   true,
	"costtier":       true,
	"capabilitytags": true,
	"toolids":        true,
}

// parseDefinition parses one agent-definition file's contents, following
// the format documented in spec.md §6: a key: value header, a "---"
// separator line, and a free-form system-prompt body. Unknown header keys
// are a load error.
func parseDefinition(content string) (AgentDescriptor, error) {
	lines := strings.Split(content, "\n")
	sepIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == headerSeparator {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		return AgentDescriptor{}, fmt.Errorf("missing %q header separator", headerSeparator)
	}

	desc := AgentDescriptor{CostTier: CostTierMid}
	for _, line := range lines[:sepIdx] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colonIdx := strings.Index(line, ":")
		if colonIdx < 0 {
			return AgentDescriptor{}, fmt.Errorf("malformed header line %q: expected key: value", line)
		}
		key := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
		value := strings.TrimSpace(line[colonIdx+1:])
		if !knownHeaderKeys[key] {
			return AgentDescriptor{}, fmt.Errorf("unknown header key %q", key)
		}
		switch key {
		case "id":
			desc.ID = value
		case "displayname":
			desc.DisplayName = value
		case "defaultmodel":
			desc.DefaultModel = value
		case "costtier":
			desc.CostTier = CostTier(strings.ToLower(value))
		case "capabilitytags":
			desc.CapabilityTags = splitCSV(value)
		case "toolids":
			desc.ToolIDs = splitCSV(value)
		}
	}

	if desc.ID == "" {
		return AgentDescriptor{}, fmt.Errorf("missing required header key %q", "id")
	}
	if desc.CostTier != CostTierCheap && desc.CostTier != CostTierMid && desc.CostTier != CostTierPremium {
		return AgentDescriptor{}, fmt.Errorf("invalid costTier %q for agent %q", desc.CostTier, desc.ID)
	}

	body := strings.Join(lines[sepIdx+1:], "\n")
	desc.SystemPrompt = strings.TrimSpace(body)

	return desc, nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
