// Package context injects per-turn retrieved memory facts into a
// conversation message before it reaches the model, caching identical
// (conversation, turn, agent, message) lookups within a short TTL.
package context

import (
	stdcontext "context"
	"time"
)

// Fact is one retrieved memory item, as returned by MemoryStore.Query.
type Fact struct {
	Content string
	Score   float64
	Source  string
}

// MemoryStore is the external long-term memory collaborator. It is not
// owned by this package; PerTurnRAG only ever calls Query.
type MemoryStore interface {
	Query(ctx stdcontext.Context, userID, text string, k int) ([]Fact, error)
}

// ContextBlock is PerTurnRAG's ephemeral per-(conversation, turn, agent)
// output. It is never persisted beyond the short-TTL cache.
type ContextBlock struct {
	Facts          []Fact
	AgentFocusHint string
	ProducedAt     time.Time
}

// InjectorConfig configures PerTurnRAG's retrieval and recency weighting.
type InjectorConfig struct {
	// K is the number of facts requested per query. Default 5.
	K int

	// MinScore filters out facts below this similarity score.
	MinScore float64

	// RecencyWeightEarly is the blend weight applied at turnSeq 0.
	RecencyWeightEarly float64

	// RecencyWeightLate is the blend weight applied once turnSeq reaches
	// RecencyRampTurns.
	RecencyWeightLate float64

	// RecencyRampTurns is the turn count at which recency weight reaches
	// RecencyWeightLate.
	RecencyRampTurns int

	// HistoryTurnThreshold is the minimum turnSeq at which a condensed
	// history view is appended.
	HistoryTurnThreshold int

	// HistoryWindow is how many recent history entries are condensed.
	HistoryWindow int

	// CacheTTL is how long an (convID, turnSeq, agent, message-hash) entry
	// is served from cache before a fresh MemoryStore query is made.
	CacheTTL time.Duration
}

// DefaultInjectorConfig mirrors spec.md §4.7's defaults.
func DefaultInjectorConfig() InjectorConfig {
	return InjectorConfig{
		K:                    5,
		MinScore:             0.7,
		RecencyWeightEarly:   0.3,
		RecencyWeightLate:    0.4,
		RecencyRampTurns:     10,
		HistoryTurnThreshold: 3,
		HistoryWindow:        4,
		CacheTTL:             30 * time.Second,
	}
}

// TurnMetrics records what PerTurnRAG did for one turn, feeding the
// grounding-lift metric once the model's output is available.
type TurnMetrics struct {
	FactsInjected   int
	HistoryInjected bool
	CacheHit        bool
}
