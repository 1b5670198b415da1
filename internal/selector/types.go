// Package selector implements the SpeakerSelector component: choosing the
// next agent to speak from a participant set, given the incoming message,
// the conversation's mission phase, registry hints, and recent history.
package selector

// ReasonCode classifies why a particular agent was chosen.
type ReasonCode string

const (
	ReasonFinanceKeywords  ReasonCode = "finance_keywords"
	ReasonSecurityKeywords ReasonCode = "security_keywords"
	ReasonStrategyKeywords ReasonCode = "strategy_keywords"
	ReasonContinuation     ReasonCode = "continuation"
	ReasonDefaultFirst     ReasonCode = "default_first"
	ReasonRegistryPriority ReasonCode = "registry_priority"
)

// Turn records who spoke during a past turn, for last-speaker penalty and
// continuation detection.
type Turn struct {
	AgentID string
	Message string
}

// AgentScore is one participant's computed score, recorded in a
// Rationale's top-3 list.
type AgentScore struct {
	AgentID string
	Score   float64
}

// Rationale documents why a selection was made.
type Rationale struct {
	ChosenAgentID string
	TopScores     []AgentScore
	Reason        ReasonCode
}

// Hints configures selector-level behavior that spec.md §4.6 describes as
// registry priority: a small pinned set of agent IDs favored for common
// tasks, independent of any per-agent descriptor field.
type Hints struct {
	PinnedAgentIDs []string
}

func (h Hints) isPinned(agentID string) bool {
	for _, id := range h.PinnedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
