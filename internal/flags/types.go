// Package flags implements the FeatureFlags component: deterministic
// flag evaluation over a fixed set of strategies, generalized from
// internal/experiments' allocation-percentage + weighted-variant bucketing.
package flags

import "time"

// Strategy selects how a Flag's enablement is computed.
type Strategy string

const (
	StrategyOff             Strategy = "off"
	StrategyOn              Strategy = "on"
	StrategyPercentage      Strategy = "percentage"
	StrategyUserWhitelist   Strategy = "user_whitelist"
	StrategyGroupWhitelist  Strategy = "group_whitelist"
	StrategyGradual         Strategy = "gradual"
	StrategyCanary          Strategy = "canary"
	StrategyABTest          Strategy = "ab_test"
)

// Variant is one named arm of an A/B test, with a relative weight among all
// variants (weights need not sum to 100; GetVariant normalizes).
type Variant struct {
	Name   string
	Weight int
}

// ControlVariant is returned by GetVariant when a flag isn't enabled for the
// subject, or carries no variants.
const ControlVariant = "control"

// Flag is one feature flag's full configuration.
type Flag struct {
	Name     string
	Strategy Strategy

	// Percentage is used by StrategyPercentage, StrategyGradual (as the
	// ramp's end value), and StrategyCanary.
	Percentage int

	UserWhitelist  map[string]bool
	GroupWhitelist map[string]bool

	// Gradual ramp window: percentage ramps linearly from 0 at
	// RolloutStart to Percentage at RolloutEnd, then behaves as a plain
	// percentage strategy.
	RolloutStart time.Time
	RolloutEnd   time.Time

	Variants []Variant

	// DependsOn must all be enabled (for the same subject) before this
	// flag's own strategy is evaluated.
	DependsOn []string
	// ConflictsWith: if any of these is enabled for the same subject, this
	// flag is forced off regardless of its own strategy.
	ConflictsWith []string
}

// Action is one of the usage-counter buckets spec.md §4.4 requires.
type Action string

const (
	ActionCheck    Action = "check"
	ActionEnabled  Action = "enabled"
	ActionDisabled Action = "disabled"
)

// EvalContext carries the subject identity and any caller-supplied context
// values a Strategy may need (currently strategies only use userID/groupID,
// but ctx is threaded through for future strategies and for logging).
type EvalContext struct {
	UserID  string
	GroupID string
	Extra   map[string]any
}
