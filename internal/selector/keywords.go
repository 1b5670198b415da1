package selector

import "strings"

// category is a keyword group whose matches map to both a capability tag
// and a ReasonCode (spec.md §4.6's finance/security/strategy examples).
type category struct {
	capabilityTag string
	reason        ReasonCode
	keywords      []string
}

var categories = []category{
	{
		capabilityTag: "finance",
		reason:        ReasonFinanceKeywords,
		keywords:      []string{"budget", "revenue", "cac", "forecast", "finance", "invoice", "p&l", "runway", "burn rate", "margin"},
	},
	{
		capabilityTag: "security",
		reason:        ReasonSecurityKeywords,
		keywords:      []string{"vulnerability", "exploit", "breach", "encryption", "compliance", "auth", "incident", "pentest", "cve"},
	},
	{
		capabilityTag: "strategy",
		reason:        ReasonStrategyKeywords,
		keywords:      []string{"roadmap", "positioning", "competitive", "strategy", "vision", "market", "moat", "differentiation"},
	},
}

// phaseWeights scales a category's contribution to a participant's score
// depending on the conversation's current mission phase. Phases not
// listed use a weight of 1.0 for every category.
var phaseWeights = map[string]map[string]float64{
	"discovery": {"finance": 0.6, "security": 0.6, "strategy": 1.2},
	"analysis":  {"finance": 1.3, "security": 1.3, "strategy": 0.8},
	"strategy":  {"finance": 0.9, "security": 0.7, "strategy": 1.5},
	"execution": {"finance": 1.0, "security": 1.1, "strategy": 0.7},
}

func phaseWeight(phase, capabilityTag string) float64 {
	weights, ok := phaseWeights[phase]
	if !ok {
		return 1.0
	}
	if w, ok := weights[capabilityTag]; ok {
		return w
	}
	return 1.0
}

// keywordScore returns the fraction of a category's keywords present in
// message, case-insensitive.
func keywordScore(message string, c category) float64 {
	lower := strings.ToLower(message)
	matched := 0
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(c.keywords))
}

var continuationPhrases = []string{
	"continue", "also", "additionally", "follow up", "follow-up", "more on that", "further", "keep going", "and also",
}

func isContinuation(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range continuationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
