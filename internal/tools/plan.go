package tools

import "github.com/flowstack/conductor/pkg/models"

// DecisionPlan declares a preferred execution order and which tool calls
// must succeed for the batch to be considered successful. Absent a plan,
// tools run in the order the model emitted them and none are required.
type DecisionPlan struct {
	// Order lists tool names in the order they should run. Calls whose
	// name doesn't appear here keep the model's emission order, appended
	// after every ordered call.
	Order []string

	// Required names tools whose failure aborts the rest of the batch.
	Required map[string]bool
}

// order reorders calls per p.Order, stable for ties and for names absent
// from the plan.
func (p *DecisionPlan) order(calls []models.ToolCall) []models.ToolCall {
	if p == nil || len(p.Order) == 0 {
		return calls
	}

	rank := make(map[string]int, len(p.Order))
	for i, name := range p.Order {
		rank[name] = i
	}

	ordered := make([]models.ToolCall, len(calls))
	copy(ordered, calls)

	unranked := len(p.Order)
	indexed := make([]int, len(ordered))
	for i, c := range ordered {
		if r, ok := rank[c.Name]; ok {
			indexed[i] = r
		} else {
			indexed[i] = unranked
			unranked++
		}
	}

	for i := 1; i < len(ordered); i++ {
		j := i
		for j > 0 && indexed[j-1] > indexed[j] {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
			indexed[j-1], indexed[j] = indexed[j], indexed[j-1]
			j--
		}
	}

	return ordered
}

func (p *DecisionPlan) isRequired(name string) bool {
	return p != nil && p.Required[name]
}
