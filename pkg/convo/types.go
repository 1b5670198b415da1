// Package convo holds the shared conversation/turn data model consumed by
// StateStore, CostLedger, CircuitBreaker, Orchestrator, and TurnRunner.
// Types live here rather than in each owning package to avoid import cycles
// between components that reference the same record by ID.
package convo

import "time"

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationActive           ConversationStatus = "active"
	ConversationPaused           ConversationStatus = "paused"
	ConversationAwaitingApproval ConversationStatus = "awaiting_approval"
	ConversationCompleted        ConversationStatus = "completed"
	ConversationFailed           ConversationStatus = "failed"
)

// CoordinationPattern selects how the Orchestrator sequences turns across
// participants.
type CoordinationPattern string

const (
	PatternSingleAgent    CoordinationPattern = "single_agent"
	PatternRoundRobin     CoordinationPattern = "round_robin_group"
	PatternWorkflowGraph  CoordinationPattern = "workflow_graph"
	PatternSwarm          CoordinationPattern = "swarm"
)

// Conversation is the top-level unit of orchestration state. Owned by
// Orchestrator; mutated by TurnRunner (turn count, cost) and Orchestrator
// (status).
type Conversation struct {
	ID                  string
	UserID              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Status              ConversationStatus
	CoordinationPattern CoordinationPattern
	ParticipantAgentIDs []string
	TurnCount           int
	CumulativeCostUSD   string // decimal.Decimal serialized; parsed at the CostLedger boundary
	CumulativeTokens    int64
	ContextBag          map[string]any

	// MissionPhase is a supplemental field (not in the original invariant
	// set) read by SpeakerSelector to weight capability tags across a
	// resumed conversation.
	MissionPhase string
}

// TurnRole identifies who produced a Turn's content.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleTool      TurnRole = "tool"
)

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnOK        TurnStatus = "ok"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// ToolCall is one tool invocation emitted by the model during a turn.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	ToolCallID string
	Output     string
	Err        string
	Truncated  bool
}

// Turn is one request-response cycle between the orchestrator and a single
// agent, plus its tool calls. Created by TurnRunner at start, sealed at end,
// immutable thereafter.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int // 1-based, dense within a conversation
	AgentID        string
	RoleInTurn     TurnRole
	InputPrompt    string
	OutputText     string
	ToolCalls      []ToolCall
	ToolResults    []ToolResult
	InputTokens    int
	OutputTokens   int
	CostUSD        string // decimal.Decimal serialized
	ModelID        string
	LatencyMs      int64
	StartedAt      time.Time
	EndedAt        time.Time
	Status         TurnStatus

	// ProviderRequestID is the upstream provider's request id, kept for
	// cross-referencing provider-side logs and billing disputes.
	ProviderRequestID string
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest gates a HITL-sensitive action. Transitions are monotonic:
// pending -> {approved, denied}; final states are terminal.
type ApprovalRequest struct {
	ID             string
	ConversationID string
	UserID         string
	Action         string
	Metadata       map[string]any
	Status         ApprovalStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fact is one retrieved memory item, as returned by the external MemoryStore
// collaborator.
type Fact struct {
	Text       string
	Score      float64
	Source     string
	OccurredAt time.Time
}

// ContextBlock is PerTurnRAG's ephemeral output for one (conversation, turn,
// agent) triple. Never persisted beyond a short-TTL cache.
type ContextBlock struct {
	Facts          []Fact
	AgentFocusHint string
	ProducedAt     time.Time
}

// OrchestrateRequest is the Orchestrator's public entry point input.
type OrchestrateRequest struct {
	Message             string
	UserID              string
	ConversationID      string
	CoordinationPattern  CoordinationPattern
	MissionPhase        string
	RequiresApproval    bool
	WorkflowID          string
	ApprovalID          string // set when resuming a paused conversation
	Custom              map[string]any
}

// CostBreakdown summarizes a conversation's spend for the caller.
type CostBreakdown struct {
	TotalCostUSD string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Model        string
}

// OrchestrateResult is the Orchestrator's public entry point output.
type OrchestrateResult struct {
	ConversationID  string
	Response        string
	AgentsUsed      []string
	TurnCount       int
	DurationSeconds float64
	CostBreakdown   CostBreakdown
	Timestamp       time.Time
}
