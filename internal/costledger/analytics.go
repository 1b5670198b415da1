package costledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Trend classifies a conversation's cost trajectory across its recent turns.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// ConversationAnalyticsResult is ConversationAnalytics' return value.
type ConversationAnalyticsResult struct {
	Turns           int
	TotalCost       decimal.Decimal
	AvgCostPerTurn  decimal.Decimal
	ByModel         map[string]decimal.Decimal
	ByAgent         map[string]decimal.Decimal
	Trend           Trend
	Recommendations []string
}

// RecordReader is the narrow read interface ConversationAnalytics needs over
// the audit sink's CostRecord history for one conversation.
type RecordReader interface {
	ListByConversation(ctx context.Context, convID string) ([]CostRecord, error)
}

// ConversationAnalytics computes the per-conversation summary from
// spec.md §4.2, reading the durable CostRecord history rather than
// recomputing from raw turns.
func (l *Ledger) ConversationAnalytics(ctx context.Context, reader RecordReader, convID string) (ConversationAnalyticsResult, error) {
	records, err := reader.ListByConversation(ctx, convID)
	if err != nil {
		return ConversationAnalyticsResult{}, err
	}

	result := ConversationAnalyticsResult{
		ByModel: map[string]decimal.Decimal{},
		ByAgent: map[string]decimal.Decimal{},
	}
	if len(records) == 0 {
		return result, nil
	}

	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.TotalCostUSD)
		result.ByModel[r.Model] = result.ByModel[r.Model].Add(r.TotalCostUSD)
		result.ByAgent[r.AgentID] = result.ByAgent[r.AgentID].Add(r.TotalCostUSD)
	}

	result.Turns = len(records)
	result.TotalCost = total
	result.AvgCostPerTurn = total.Div(decimal.NewFromInt(int64(len(records)))).Round(6)
	result.Trend = classifyTrend(records)
	result.Recommendations = recommend(records, result)

	return result, nil
}

// classifyTrend compares the mean cost of the most recent third of turns
// against the earliest third; a >15% delta either way is "increasing" or
// "decreasing", otherwise "stable".
func classifyTrend(records []CostRecord) Trend {
	n := len(records)
	if n < 3 {
		return TrendStable
	}
	third := n / 3
	if third == 0 {
		return TrendStable
	}
	early := meanCost(records[:third])
	late := meanCost(records[n-third:])
	if early.IsZero() {
		return TrendStable
	}
	ratio, _ := late.Div(early).Float64()
	switch {
	case ratio >= 1.15:
		return TrendIncreasing
	case ratio <= 0.85:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func meanCost(records []CostRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.TotalCostUSD)
	}
	if len(records) == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(len(records))))
}

func recommend(records []CostRecord, result ConversationAnalyticsResult) []string {
	var recs []string
	if result.Trend == TrendIncreasing {
		recs = append(recs, "cost per turn is trending up; consider a cheaper default model for this conversation")
	}
	lowEff := 0
	for _, r := range records {
		if r.EfficiencyScore < 0.3 {
			lowEff++
		}
	}
	if len(records) > 0 && float64(lowEff)/float64(len(records)) > 0.5 {
		recs = append(recs, "over half of turns scored low on efficiency; review prompt length and model tier")
	}
	return recs
}
