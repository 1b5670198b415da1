package selector

import (
	"sort"

	"github.com/flowstack/conductor/internal/registry"
)

const lastSpeakerPenalty = 10.0

// Select scores participants against the incoming message and mission
// phase, applies registry priority and last-speaker penalties, and
// returns the winning agent plus the reasoning behind the pick.
//
// participants must be non-empty; Select panics otherwise, since an empty
// participant set is a caller bug (the Orchestrator always resolves at
// least one participant before consulting the selector).
func Select(message string, participants []registry.AgentDescriptor, missionPhase string, hints Hints, history []Turn) (registry.AgentDescriptor, Rationale) {
	if len(participants) == 0 {
		panic("selector: Select called with no participants")
	}

	lastSpeaker := ""
	if len(history) > 0 {
		lastSpeaker = history[len(history)-1].AgentID
	}
	continuation := isContinuation(message)

	type candidate struct {
		agent      registry.AgentDescriptor
		score      float64
		topReason  ReasonCode
		hasReason  bool
		registryed bool
	}

	candidates := make([]candidate, 0, len(participants))
	anyKeywordMatch := false

	for _, agent := range participants {
		c := candidate{agent: agent}

		var bestCategoryScore float64
		var bestReason ReasonCode
		for _, cat := range categories {
			if !hasTag(agent.CapabilityTags, cat.capabilityTag) {
				continue
			}
			kwScore := keywordScore(message, cat)
			if kwScore <= 0 {
				continue
			}
			weighted := kwScore * phaseWeight(missionPhase, cat.capabilityTag)
			c.score += weighted
			if weighted > bestCategoryScore {
				bestCategoryScore = weighted
				bestReason = cat.reason
			}
		}
		if bestCategoryScore > 0 {
			c.hasReason = true
			c.topReason = bestReason
			anyKeywordMatch = true
		}

		if hints.isPinned(agent.ID) {
			c.score += 0.25
			c.registryed = true
		}

		if agent.ID == lastSpeaker && !continuation {
			c.score -= lastSpeakerPenalty
		}

		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		ri, rj := candidates[i].agent.CostTier.Rank(), candidates[j].agent.CostTier.Rank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})

	winner := candidates[0]

	top3 := make([]AgentScore, 0, 3)
	for i := 0; i < len(candidates) && i < 3; i++ {
		top3 = append(top3, AgentScore{AgentID: candidates[i].agent.ID, Score: candidates[i].score})
	}

	reason := ReasonDefaultFirst
	switch {
	case winner.agent.ID == lastSpeaker && continuation:
		reason = ReasonContinuation
	case winner.hasReason:
		reason = winner.topReason
	case winner.registryed:
		reason = ReasonRegistryPriority
	case !anyKeywordMatch:
		reason = ReasonDefaultFirst
	}

	return winner.agent, Rationale{
		ChosenAgentID: winner.agent.ID,
		TopScores:     top3,
		Reason:        reason,
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
