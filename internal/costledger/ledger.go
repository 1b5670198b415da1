// Package costledger implements per-turn cost calculation, cumulative
// aggregates, and budget classification (spec.md §4.2).
package costledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowstack/conductor/internal/observability"
	"github.com/flowstack/conductor/internal/statestore"
)

// BudgetStatus classifies a scope's spend against its limit.
type BudgetStatus string

const (
	BudgetHealthy  BudgetStatus = "healthy"
	BudgetWarning  BudgetStatus = "warning"
	BudgetCritical BudgetStatus = "critical"
	BudgetExceeded BudgetStatus = "exceeded"
)

func classifyBudget(total, limit decimal.Decimal) BudgetStatus {
	if limit.LessThanOrEqual(decimal.Zero) {
		return BudgetHealthy
	}
	ratio, _ := total.Div(limit).Float64()
	switch {
	case ratio >= 1:
		return BudgetExceeded
	case ratio >= 0.9:
		return BudgetCritical
	case ratio >= 0.75:
		return BudgetWarning
	default:
		return BudgetHealthy
	}
}

// CostBreakdown is Price's pure-function result.
type CostBreakdown struct {
	InputCostUSD  decimal.Decimal
	OutputCostUSD decimal.Decimal
	TotalCostUSD  decimal.Decimal
	FellBack      bool // true if no PricingEntry matched and the documented default was used
}

// CostRecord is the append-only ledger entry CostLedger owns exclusively.
type CostRecord struct {
	ID              string
	ConversationID  string
	TurnID          string
	Provider        string
	Model           string
	AgentID         string
	InputTokens     int
	OutputTokens    int
	InputCostUSD    decimal.Decimal
	OutputCostUSD   decimal.Decimal
	TotalCostUSD    decimal.Decimal
	CreatedAt       time.Time
	EfficiencyScore float64
}

// RecordTurnResult is RecordTurn's return value.
type RecordTurnResult struct {
	TurnCost     decimal.Decimal
	ConvTotal    decimal.Decimal
	DailyTotal   decimal.Decimal
	BudgetStatus BudgetStatus
}

// AuditSink persists CostRecords beyond StateStore's TTL window. Best-effort:
// failures are logged, never block RecordTurn.
type AuditSink interface {
	Append(ctx context.Context, r CostRecord) error
}

// Limits configures the scopes CostLedger enforces, in decimal USD.
type Limits struct {
	PerTurnUSD   decimal.Decimal
	PerSessionUSD decimal.Decimal
	DailyUSD     decimal.Decimal
	MonthlyUSD   decimal.Decimal
}

// Ledger is the CostLedger component.
type Ledger struct {
	pricing *PricingTable
	store   statestore.Store
	audit   AuditSink // optional
	events  *observability.EventRecorder
	limits  Limits
}

// New builds a Ledger. audit and events may be nil.
func New(pricing *PricingTable, store statestore.Store, audit AuditSink, events *observability.EventRecorder, limits Limits) *Ledger {
	return &Ledger{pricing: pricing, store: store, audit: audit, events: events, limits: limits}
}

// Price is a pure function over the active PricingEntry for (provider,
// model). If no entry matches, it falls back to the documented default
// (0.001/0.002 per 1k tokens) and the caller is responsible for emitting the
// pricing_fallback signal via CostBreakdown.FellBack.
func (l *Ledger) Price(provider, model string, inTok, outTok int) CostBreakdown {
	entry, ok := l.pricing.Resolve(provider, model, time.Now())
	inPer1k, outPer1k := DefaultPricePerInput1k, DefaultPricePerOutput1k
	fellBack := !ok
	if ok {
		inPer1k, outPer1k = entry.InputPer1k, entry.OutputPer1k
	}

	inCost := inPer1k.Mul(decimal.NewFromInt(int64(inTok))).Div(decimal.NewFromInt(1000))
	outCost := outPer1k.Mul(decimal.NewFromInt(int64(outTok))).Div(decimal.NewFromInt(1000))
	total := inCost.Add(outCost)
	if ok && entry.PerRequest != nil {
		total = total.Add(*entry.PerRequest)
	}

	return CostBreakdown{
		InputCostUSD:  inCost.Round(6),
		OutputCostUSD: outCost.Round(6),
		TotalCostUSD:  total.Round(6),
		FellBack:      fellBack,
	}
}

// RecordTurn writes a CostRecord, atomically increments the conversation and
// daily aggregates, and classifies the post-write budget state.
func (l *Ledger) RecordTurn(ctx context.Context, convID, turnID, agentID, provider, model string, inTok, outTok int, latencyMs int64) (RecordTurnResult, error) {
	breakdown := l.Price(provider, model, inTok, outTok)
	if breakdown.FellBack && l.events != nil {
		_ = l.events.Record(ctx, observability.EventTypeCustom, "pricing_fallback", map[string]interface{}{
			"provider": provider,
			"model":    model,
		})
	}

	record := CostRecord{
		ID:              uuid.NewString(),
		ConversationID:  convID,
		TurnID:          turnID,
		Provider:        provider,
		Model:           model,
		AgentID:         agentID,
		InputTokens:     inTok,
		OutputTokens:    outTok,
		InputCostUSD:    breakdown.InputCostUSD,
		OutputCostUSD:   breakdown.OutputCostUSD,
		TotalCostUSD:    breakdown.TotalCostUSD,
		CreatedAt:       time.Now().UTC(),
		EfficiencyScore: efficiencyScore(model, inTok, outTok, breakdown.TotalCostUSD),
	}

	microUSD := breakdown.TotalCostUSD.Mul(decimal.NewFromInt(1_000_000)).Round(0).IntPart()

	convMicro, err := l.store.SetCounter(ctx, statestore.CostConversationKey(convID), microUSD)
	if err != nil {
		return RecordTurnResult{}, fmt.Errorf("increment conversation cost: %w", err)
	}
	dateKey := time.Now().UTC().Format("2006-01-02")
	dailyMicro, err := l.store.SetCounter(ctx, statestore.CostDailyKey(dateKey), microUSD)
	if err != nil {
		return RecordTurnResult{}, fmt.Errorf("increment daily cost: %w", err)
	}

	if l.audit != nil {
		if err := l.audit.Append(ctx, record); err != nil && l.events != nil {
			_ = l.events.Record(ctx, observability.EventTypeCustom, "cost_audit_write_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	convTotal := microToDecimal(convMicro)
	dailyTotal := microToDecimal(dailyMicro)

	status := classifyBudget(dailyTotal, l.limits.DailyUSD)
	if s := classifyBudget(convTotal, l.limits.PerSessionUSD); worseThan(s, status) {
		status = s
	}

	if l.events != nil {
		_ = l.events.Record(ctx, observability.EventCostTracked, "cost_tracked", map[string]interface{}{
			"conversation_id": convID,
			"turn_id":         turnID,
			"turn_cost_usd":   breakdown.TotalCostUSD.String(),
			"conv_total_usd":  convTotal.String(),
			"daily_total_usd": dailyTotal.String(),
			"budget_status":   string(status),
		})
		if status == BudgetExceeded {
			_ = l.events.Record(ctx, observability.EventBudgetExceeded, "budget_exceeded", map[string]interface{}{
				"conversation_id": convID,
				"scope":           "daily",
			})
		} else if status == BudgetWarning || status == BudgetCritical {
			_ = l.events.Record(ctx, observability.EventBudgetWarning, "budget_warning", map[string]interface{}{
				"conversation_id": convID,
				"status":          string(status),
			})
		}
	}

	return RecordTurnResult{
		TurnCost:     breakdown.TotalCostUSD,
		ConvTotal:    convTotal,
		DailyTotal:   dailyTotal,
		BudgetStatus: status,
	}, nil
}

func worseThan(a, b BudgetStatus) bool {
	rank := map[BudgetStatus]int{BudgetHealthy: 0, BudgetWarning: 1, BudgetCritical: 2, BudgetExceeded: 3}
	return rank[a] > rank[b]
}

func microToDecimal(micro int64) decimal.Decimal {
	return decimal.NewFromInt(micro).Div(decimal.NewFromInt(1_000_000))
}

// costTierScore mirrors AgentDescriptor.CostTier -> [0,1] used in the
// efficiency score; cheap scores highest (cheapest is "most efficient").
func costTierScoreForModel(model string) float64 {
	switch {
	case containsAny(model, "haiku", "mini", "gpt-3.5", "flash"):
		return 1.0
	case containsAny(model, "sonnet", "gpt-4o", "pro"):
		return 0.6
	case containsAny(model, "opus", "gpt-4", "o1"):
		return 0.2
	default:
		return 0.5
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexFold(s, sub) {
			return true
		}
	}
	return false
}

func indexFold(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if foldEqual(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// efficiencyScore is the advisory per-turn signal from spec.md §4.2: the
// average of the model's cost-tier score, min(1, outputTokens/(2*inputTokens)),
// and min(1, outputChars/1000*cost), each clamped to [0,1].
func efficiencyScore(model string, inTok, outTok int, cost decimal.Decimal) float64 {
	tierScore := costTierScoreForModel(model)

	tokenRatio := 0.0
	if inTok > 0 {
		tokenRatio = clamp01(float64(outTok) / (2 * float64(inTok)))
	}

	costF, _ := cost.Float64()
	charDensity := clamp01(float64(outTok*4) / 1000 * costF) // outputChars approximated as 4 chars/token

	return (tierScore + tokenRatio + charDensity) / 3
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
