// Package turn implements the TurnRunner component: the per-turn sequence
// that resolves an agent, optionally injects retrieved context, checks
// budget admission, streams a model response, executes any requested
// tools, and records cost and observability events for the turn.
package turn

import (
	"context"
	"errors"
	"time"

	"github.com/flowstack/conductor/internal/agent"
	"github.com/flowstack/conductor/pkg/models"
)

// ErrCircuitOpen is returned when the CircuitBreaker denies admission for
// this turn. The conversation is left untouched; callers decide whether to
// surface it to the user or retry on a later turn.
var ErrCircuitOpen = errors.New("turn: circuit breaker denied admission")

// ErrNoParticipants is returned when Run is called with no candidate agents
// to resolve a speaker from.
var ErrNoParticipants = errors.New("turn: no participant agents available")

// Chunk is one unit of streamed output forwarded to the caller's Publish
// callback as the turn progresses. Exactly one of Text/Event/Err is
// meaningful per chunk; Done marks the final chunk of the turn.
type Chunk struct {
	Text  string
	Event *models.RuntimeEvent
	Err   error
	Done  bool
}

// Publisher forwards Chunks to whatever is listening for this conversation
// (StreamingHub in production, a test-collecting slice in unit tests). May
// be nil, in which case Run still completes but nothing is streamed out.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, chunk Chunk)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(ctx context.Context, conversationID string, chunk Chunk)

func (f PublisherFunc) Publish(ctx context.Context, conversationID string, chunk Chunk) {
	f(ctx, conversationID, chunk)
}

// Request is one call into the TurnRunner.
type Request struct {
	ConversationID string
	UserID         string
	Message        string
	MissionPhase   string
	TurnSeq        int // 1-based sequence number within the conversation

	// History feeds the SpeakerSelector's last-speaker penalty and the
	// PerTurnRAG condensed-history window.
	History []HistoryEntry
}

// HistoryEntry is one prior turn, as the caller's StateStore view supplies
// it (already trimmed to whatever window the caller wants considered).
type HistoryEntry struct {
	AgentID string
	Message string
}

// Result is Run's return value once the turn has sealed.
type Result struct {
	TurnID       string
	AgentID      string
	ModelID      string
	OutputText   string
	InputTokens  int
	OutputTokens int
	CostUSD      string
	LatencyMs    int64
	ToolResults  []models.ToolResult
	BudgetStatus string
}

// modelProvider is the subset of agent.LLMProvider TurnRunner depends on,
// named locally so tests can supply a minimal fake without importing the
// full agent package's provider machinery.
type modelProvider = agent.LLMProvider

// defaultMaxContinuations bounds how many times a single turn re-enters the
// model after running tool calls before it is forced to stop and return
// whatever text has accumulated.
const defaultMaxContinuations = 4

// RunnerConfig tunes retry/backoff and continuation behavior. Zero values
// fall back to documented defaults.
type RunnerConfig struct {
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxContinuations int
	RAGFlagName      string

	// MaxHistoryTokens caps how many tokens of prior-turn history are sent
	// to the model alongside the current message. Zero derives a budget
	// from the chosen agent's model context window instead.
	MaxHistoryTokens int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = defaultMaxContinuations
	}
	if c.RAGFlagName == "" {
		c.RAGFlagName = "per_turn_rag"
	}
	return c
}
