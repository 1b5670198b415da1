// Package registry implements the AgentRegistry component: loading,
// hot-reloading, and lookup of agent descriptors parsed from a plaintext
// agent-definition-file format, one file per agent.
package registry

// CostTier classifies an agent's relative model cost, used both by cost
// accounting and as the SpeakerSelector's tie-break.
type CostTier string

const (
	CostTierCheap   CostTier = "cheap"
	CostTierMid     CostTier = "mid"
	CostTierPremium CostTier = "premium"
)

var costTierRank = map[CostTier]int{
	CostTierCheap:   0,
	CostTierMid:     1,
	CostTierPremium: 2,
}

// Rank orders cost tiers for tie-breaking (lower rank wins).
func (t CostTier) Rank() int {
	if rank, ok := costTierRank[t]; ok {
		return rank
	}
	return costTierRank[CostTierMid]
}

// AgentDescriptor is the AgentRegistry's sole owned type (spec.md §3:
// "Ownership: AgentRegistry exclusively"), parsed from one agent-definition
// file's key: value header plus its free-form system prompt body.
type AgentDescriptor struct {
	ID             string
	DisplayName    string
	SystemPrompt   string
	CapabilityTags []string
	ToolIDs        []string
	DefaultModel   string
	CostTier       CostTier
}
