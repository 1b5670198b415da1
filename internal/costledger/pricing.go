package costledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PricingEntry is the append-only per-(provider,model) price history from
// spec.md §3. At most one entry is active per (provider, model) at any time
// t: the one with EffectiveFrom <= t < EffectiveTo (or no EffectiveTo).
type PricingEntry struct {
	Provider      string
	Model         string
	InputPer1k    decimal.Decimal
	OutputPer1k   decimal.Decimal
	PerRequest    *decimal.Decimal
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

func (p PricingEntry) activeAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || t.Before(*p.EffectiveTo)
}

// DefaultPricePerInput1k / DefaultPricePerOutput1k back the "documented
// default" fallback from spec.md §4.2 when no PricingEntry matches.
var (
	DefaultPricePerInput1k  = decimal.NewFromFloat(0.001)
	DefaultPricePerOutput1k = decimal.NewFromFloat(0.002)
)

// PricingTable resolves the active PricingEntry for a (provider, model) at
// the current time, generalizing the teacher's DefaultModelCosts
// lookup-with-prefix-fallback (internal/status/cost.go) to the effective-
// dated PricingEntry model.
type PricingTable struct {
	entries []PricingEntry
}

// NewPricingTable seeds a table from a static snapshot of entries, in the
// same per-million-token figures the teacher ships in DefaultModelCosts,
// converted to per-1k pricing and given an EffectiveFrom of the zero time
// (always active, until an operator appends a dated override).
func NewPricingTable(entries ...PricingEntry) *PricingTable {
	return &PricingTable{entries: entries}
}

// Append adds a new PricingEntry (e.g. loaded from CostLedgerConfig.PricingOverrides).
func (t *PricingTable) Append(e PricingEntry) {
	t.entries = append(t.entries, e)
}

// Resolve returns the active entry for (provider, model) at time t, trying
// an exact match first and then a prefix match either direction (the same
// "versioned model" heuristic as ResolveModelCostConfig) before giving up.
func (t *PricingTable) Resolve(provider, model string, at time.Time) (PricingEntry, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)

	var exact, prefix *PricingEntry
	for i := range t.entries {
		e := t.entries[i]
		if strings.ToLower(e.Provider) != provider || !e.activeAt(at) {
			continue
		}
		if e.Model == model {
			exact = &e
			break
		}
		if strings.HasPrefix(model, e.Model) || strings.HasPrefix(e.Model, model) {
			if prefix == nil {
				prefix = &e
			}
		}
	}
	if exact != nil {
		return *exact, true
	}
	if prefix != nil {
		return *prefix, true
	}
	return PricingEntry{}, false
}

// DefaultSeedTable mirrors the teacher's DefaultModelCosts snapshot
// (internal/status/cost.go), converted from per-million to per-1k pricing.
func DefaultSeedTable() *PricingTable {
	t := NewPricingTable()
	add := func(provider, model string, inPer1M, outPer1M float64) {
		t.Append(PricingEntry{
			Provider:    provider,
			Model:       model,
			InputPer1k:  decimal.NewFromFloat(inPer1M).Div(decimal.NewFromInt(1000)),
			OutputPer1k: decimal.NewFromFloat(outPer1M).Div(decimal.NewFromInt(1000)),
		})
	}
	add("anthropic", "claude-3-5-sonnet-20241022", 3.0, 15.0)
	add("anthropic", "claude-sonnet-4-20250514", 3.0, 15.0)
	add("anthropic", "claude-3-5-haiku-20241022", 1.0, 5.0)
	add("anthropic", "claude-3-opus-20240229", 15.0, 75.0)
	add("anthropic", "claude-3-haiku-20240307", 0.25, 1.25)
	add("openai", "gpt-4o", 2.50, 10.0)
	add("openai", "gpt-4o-mini", 0.15, 0.60)
	add("openai", "gpt-4-turbo", 10.0, 30.0)
	add("openai", "gpt-3.5-turbo", 0.50, 1.50)
	add("openai", "o1", 15.0, 60.0)
	add("openai", "o1-mini", 3.0, 12.0)
	return t
}
