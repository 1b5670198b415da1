package context

import (
	stdcontext "context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Injector implements PerTurnRAG: InjectContext retrieves top-k facts from
// a MemoryStore, weights them by recency, optionally appends a condensed
// history view, and returns the enhanced message plus metrics for later
// grounding-lift evaluation.
type Injector struct {
	store  MemoryStore
	config InjectorConfig
	cache  *resultCache
}

// NewInjector builds an Injector against store. A zero-value config falls
// back to DefaultInjectorConfig.
func NewInjector(store MemoryStore, config InjectorConfig) *Injector {
	if config.K == 0 && config.RecencyRampTurns == 0 {
		config = DefaultInjectorConfig()
	}
	return &Injector{store: store, config: config, cache: newResultCache()}
}

// InjectContext produces the enhanced message for one turn. Per spec.md
// §4.7, disabling RAG (by flag, checked by the caller before reaching
// here) is equivalent to never calling InjectContext at all — callers
// that find per-turn RAG off should use message unchanged instead.
func (i *Injector) InjectContext(ctx stdcontext.Context, convID, userID, agent string, turnSeq int, message string, history []string, now func() time.Time) (string, TurnMetrics, error) {
	if i.store == nil {
		return message, TurnMetrics{}, nil
	}

	key := cacheKey(convID, turnSeq, agent, message)
	current := now()
	if entry, ok := i.cache.get(key, current); ok {
		metrics := entry.metrics
		metrics.CacheHit = true
		return entry.enhancedMessage, metrics, nil
	}

	facts, err := i.store.Query(ctx, userID, message, i.config.K)
	if err != nil {
		return "", TurnMetrics{}, fmt.Errorf("per-turn RAG query failed: %w", err)
	}

	weight := recencyWeight(turnSeq, i.config)
	selected := make([]Fact, 0, len(facts))
	for _, f := range facts {
		blended := f.Score*(1-weight) + weight
		if blended < i.config.MinScore {
			continue
		}
		selected = append(selected, f)
	}
	sort.SliceStable(selected, func(a, b int) bool { return selected[a].Score > selected[b].Score })

	includeHistory := turnSeq >= i.config.HistoryTurnThreshold && len(history) > 0

	block := ContextBlock{
		Facts:          selected,
		AgentFocusHint: agentFocusHint(agent),
		ProducedAt:     current,
	}

	enhanced := formatEnhancedMessage(message, block, history, includeHistory, i.config.HistoryWindow)

	metrics := TurnMetrics{
		FactsInjected:   len(selected),
		HistoryInjected: includeHistory,
	}
	i.cache.set(key, cacheEntry{enhancedMessage: enhanced, metrics: metrics, expiresAt: current.Add(i.config.CacheTTL)})

	return enhanced, metrics, nil
}

// recencyWeight ramps linearly from RecencyWeightEarly at turnSeq 0 to
// RecencyWeightLate at RecencyRampTurns, then holds.
func recencyWeight(turnSeq int, cfg InjectorConfig) float64 {
	if cfg.RecencyRampTurns <= 0 {
		return cfg.RecencyWeightLate
	}
	if turnSeq <= 0 {
		return cfg.RecencyWeightEarly
	}
	if turnSeq >= cfg.RecencyRampTurns {
		return cfg.RecencyWeightLate
	}
	frac := float64(turnSeq) / float64(cfg.RecencyRampTurns)
	return cfg.RecencyWeightEarly + frac*(cfg.RecencyWeightLate-cfg.RecencyWeightEarly)
}

func agentFocusHint(agent string) string {
	return fmt.Sprintf("Focus your response as %s.", agent)
}

func formatEnhancedMessage(message string, block ContextBlock, history []string, includeHistory bool, historyWindow int) string {
	var sb strings.Builder
	sb.WriteString(message)

	if len(block.Facts) > 0 {
		sb.WriteString("\n\nRelevant Context: ")
		parts := make([]string, 0, len(block.Facts))
		for _, f := range block.Facts {
			parts = append(parts, f.Content)
		}
		sb.WriteString(strings.Join(parts, " | "))
	}

	if includeHistory {
		start := 0
		if len(history) > historyWindow {
			start = len(history) - historyWindow
		}
		sb.WriteString("\n\nRecent History: ")
		sb.WriteString(strings.Join(history[start:], " -> "))
	}

	sb.WriteString("\n\n")
	sb.WriteString(block.AgentFocusHint)

	return sb.String()
}

// DetectGroundingLift reports whether any injected fact's content appears
// to have been used in the model's output, via substring match on a
// lowercased keyword drawn from each fact. Called by the caller once the
// model's output for the turn is available.
func DetectGroundingLift(output string, facts []Fact) bool {
	lowerOutput := strings.ToLower(output)
	for _, f := range facts {
		for _, word := range strings.Fields(f.Content) {
			word = strings.ToLower(strings.Trim(word, ".,;:!?\"'()"))
			if len(word) < 4 {
				continue
			}
			if strings.Contains(lowerOutput, word) {
				return true
			}
		}
	}
	return false
}
