package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator
// metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Conversation lifecycle and duration
//   - Agent invocation rate and response time
//   - Tool call volume
//   - Cost and token consumption per turn
//   - Error rates
//   - Live capacity gauges (active conversations, remaining budget, memory)
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordAgentInvocation("amy_cfo", "anthropic", "claude-sonnet-4")
//	defer metrics.AgentResponseTime.WithLabelValues("amy_cfo").Observe(time.Since(start).Seconds())
type Metrics struct {
	// ConversationsTotal counts conversations by coordination pattern and
	// terminal status.
	// Labels: coordination_pattern, status (completed|failed)
	ConversationsTotal *prometheus.CounterVec

	// AgentInvocationsTotal counts turns dispatched to an agent.
	// Labels: agent_id, provider, model
	AgentInvocationsTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool invocations by tool name and outcome.
	// Labels: tool_name, status (success|error|not_found|timeout)
	ToolCallsTotal *prometheus.CounterVec

	// ErrorsTotal tracks errors by component and error type.
	// Labels: component, error_type
	ErrorsTotal *prometheus.CounterVec

	// ConversationDuration measures a conversation's wall-clock lifetime
	// in seconds, from creation to terminal status.
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s
	ConversationDuration *prometheus.HistogramVec

	// AgentResponseTime measures a single turn's latency in seconds.
	// Labels: agent_id
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	AgentResponseTime *prometheus.HistogramVec

	// CostPerTurn measures a turn's cost in USD.
	// Labels: provider, model
	CostPerTurn *prometheus.HistogramVec

	// TokensPerTurn measures input+output tokens consumed by a turn.
	// Labels: provider, model, type (input|output)
	TokensPerTurn *prometheus.HistogramVec

	// ActiveConversations is the current count of conversations in a
	// non-terminal status.
	ActiveConversations prometheus.Gauge

	// BudgetRemaining is the remaining daily budget in USD.
	BudgetRemaining prometheus.Gauge

	// MemoryUsageBytes is the in-process RAG memory store's resident
	// footprint, in bytes.
	MemoryUsageBytes prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// application startup; metrics are registered against the default
// registry and served by promhttp at the metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		ConversationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversations_total",
				Help: "Total number of conversations by coordination pattern and terminal status",
			},
			[]string{"coordination_pattern", "status"},
		),

		AgentInvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_invocations_total",
				Help: "Total number of turns dispatched to an agent",
			},
			[]string{"agent_id", "provider", "model"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of tool calls by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ConversationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conversation_duration",
				Help:    "Conversation wall-clock lifetime in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"coordination_pattern"},
		),

		AgentResponseTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_response_time",
				Help:    "Per-turn agent response latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"agent_id"},
		),

		CostPerTurn: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cost_per_turn",
				Help:    "Per-turn cost in USD",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider", "model"},
		),

		TokensPerTurn: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokens_per_turn",
				Help:    "Per-turn token consumption",
				Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000, 64000},
			},
			[]string{"provider", "model", "type"},
		),

		ActiveConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_conversations",
				Help: "Current number of conversations in a non-terminal status",
			},
		),

		BudgetRemaining: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "budget_remaining",
				Help: "Remaining daily budget in USD",
			},
		),

		MemoryUsageBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_usage_bytes",
				Help: "Resident footprint of the in-process RAG memory store, in bytes",
			},
		),
	}
}

// RecordConversationEnd records a conversation reaching a terminal status.
func (m *Metrics) RecordConversationEnd(coordinationPattern, status string, durationSeconds float64) {
	m.ConversationsTotal.WithLabelValues(coordinationPattern, status).Inc()
	m.ConversationDuration.WithLabelValues(coordinationPattern).Observe(durationSeconds)
}

// RecordAgentInvocation records a turn dispatched to an agent and its
// response latency.
func (m *Metrics) RecordAgentInvocation(agentID, provider, model string, durationSeconds float64) {
	m.AgentInvocationsTotal.WithLabelValues(agentID, provider, model).Inc()
	m.AgentResponseTime.WithLabelValues(agentID).Observe(durationSeconds)
}

// RecordToolCall records a tool invocation outcome.
func (m *Metrics) RecordToolCall(toolName, status string) {
	m.ToolCallsTotal.WithLabelValues(toolName, status).Inc()
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordTurnCost records a turn's USD cost and token usage.
func (m *Metrics) RecordTurnCost(provider, model string, costUSD float64, inputTokens, outputTokens int) {
	m.CostPerTurn.WithLabelValues(provider, model).Observe(costUSD)
	m.TokensPerTurn.WithLabelValues(provider, model, "input").Observe(float64(inputTokens))
	m.TokensPerTurn.WithLabelValues(provider, model, "output").Observe(float64(outputTokens))
}

// SetActiveConversations sets the live non-terminal conversation count.
func (m *Metrics) SetActiveConversations(count int) {
	m.ActiveConversations.Set(float64(count))
}

// SetBudgetRemaining sets the remaining daily budget gauge.
func (m *Metrics) SetBudgetRemaining(usd float64) {
	m.BudgetRemaining.Set(usd)
}

// SetMemoryUsageBytes sets the RAG memory store footprint gauge.
func (m *Metrics) SetMemoryUsageBytes(bytes int64) {
	m.MemoryUsageBytes.Set(float64(bytes))
}
