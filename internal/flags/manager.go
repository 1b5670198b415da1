package flags

import (
	"sync"
	"time"
)

// Manager evaluates flags and tracks per-flag per-action usage counters.
// Reload is atomic via snapshot-swap: a new flag set never partially
// overwrites the one in use.
type Manager struct {
	mu      sync.RWMutex
	flags   map[string]Flag
	counts  map[string]map[Action]int64
	nowFunc func() time.Time
}

// New builds a Manager from an initial flag set.
func New(initial []Flag) *Manager {
	m := &Manager{
		flags:   make(map[string]Flag, len(initial)),
		counts:  make(map[string]map[Action]int64),
		nowFunc: time.Now,
	}
	for _, f := range initial {
		m.flags[f.Name] = f
	}
	return m
}

// Reload atomically replaces the flag set. Usage counters persist across
// reloads since they are keyed by flag name, not by flag identity.
func (m *Manager) Reload(flags []Flag) {
	next := make(map[string]Flag, len(flags))
	for _, f := range flags {
		next[f.Name] = f
	}
	m.mu.Lock()
	m.flags = next
	m.mu.Unlock()
}

// IsEnabled evaluates a flag deterministically for the given subject.
// Unknown flags are always disabled (fail closed).
func (m *Manager) IsEnabled(flagName string, ec EvalContext) bool {
	m.mu.RLock()
	flag, ok := m.flags[flagName]
	snapshot := m.flags
	m.mu.RUnlock()

	m.recordUsage(flagName, ActionCheck)
	if !ok {
		m.recordUsage(flagName, ActionDisabled)
		return false
	}

	enabled := evaluateWithDependencies(flag, snapshot, ec, m.nowFunc())
	if enabled {
		m.recordUsage(flagName, ActionEnabled)
	} else {
		m.recordUsage(flagName, ActionDisabled)
	}
	return enabled
}

// GetVariant returns the deterministic A/B variant assignment for a subject,
// or ControlVariant if the flag isn't ab_test, isn't enabled, or has no
// variants.
func (m *Manager) GetVariant(flagName string, ec EvalContext) string {
	m.mu.RLock()
	flag, ok := m.flags[flagName]
	snapshot := m.flags
	m.mu.RUnlock()

	if !ok || flag.Strategy != StrategyABTest || len(flag.Variants) == 0 {
		return ControlVariant
	}
	if !evaluateWithDependencies(flag, snapshot, ec, m.nowFunc()) {
		return ControlVariant
	}

	subject := subjectOf(ec)
	total := 0
	for _, v := range flag.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return ControlVariant
	}
	pick := bucketVariant(flagName, subject, total)
	for _, v := range flag.Variants {
		if v.Weight <= 0 {
			continue
		}
		if pick < v.Weight {
			return v.Name
		}
		pick -= v.Weight
	}
	return ControlVariant
}

// UsageCounts returns a snapshot of per-flag per-action counters.
func (m *Manager) UsageCounts(flagName string) map[Action]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.counts[flagName]
	out := make(map[Action]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (m *Manager) recordUsage(flagName string, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.counts[flagName]
	if !ok {
		bucket = make(map[Action]int64, 3)
		m.counts[flagName] = bucket
	}
	bucket[action]++
}

func subjectOf(ec EvalContext) string {
	if ec.UserID != "" {
		return ec.UserID
	}
	return ec.GroupID
}

// evaluateWithDependencies applies dependsOn/conflictsWith before
// dispatching to the flag's own strategy, per spec.md §4.4. Dependency
// flags are evaluated against the same snapshot to avoid a reload racing
// mid-evaluation.
func evaluateWithDependencies(flag Flag, all map[string]Flag, ec EvalContext, now time.Time) bool {
	for _, dep := range flag.ConflictsWith {
		if depFlag, ok := all[dep]; ok && evaluateStrategy(depFlag, ec, now) {
			return false
		}
	}
	for _, dep := range flag.DependsOn {
		depFlag, ok := all[dep]
		if !ok || !evaluateStrategy(depFlag, ec, now) {
			return false
		}
	}
	return evaluateStrategy(flag, ec, now)
}

func evaluateStrategy(flag Flag, ec EvalContext, now time.Time) bool {
	subject := subjectOf(ec)

	switch flag.Strategy {
	case StrategyOff:
		return false
	case StrategyOn:
		return true
	case StrategyPercentage:
		return subject != "" && bucket100(flag.Name, subject) < flag.Percentage
	case StrategyUserWhitelist:
		return flag.UserWhitelist[ec.UserID]
	case StrategyGroupWhitelist:
		return flag.GroupWhitelist[ec.GroupID]
	case StrategyGradual:
		return subject != "" && bucket100(flag.Name, subject) < gradualPercentage(flag, now)
	case StrategyCanary:
		if flag.UserWhitelist[ec.UserID] || flag.GroupWhitelist[ec.GroupID] {
			return true
		}
		return subject != "" && bucket100(flag.Name, subject) < flag.Percentage
	case StrategyABTest:
		return subject != "" && bucket100(flag.Name, subject) < flag.Percentage
	default:
		return false
	}
}

// gradualPercentage linearly ramps from 0 at RolloutStart to
// flag.Percentage at RolloutEnd, then holds at flag.Percentage.
func gradualPercentage(flag Flag, now time.Time) int {
	if flag.RolloutStart.IsZero() || flag.RolloutEnd.IsZero() || !flag.RolloutEnd.After(flag.RolloutStart) {
		return flag.Percentage
	}
	if now.Before(flag.RolloutStart) {
		return 0
	}
	if !now.Before(flag.RolloutEnd) {
		return flag.Percentage
	}
	elapsed := now.Sub(flag.RolloutStart)
	total := flag.RolloutEnd.Sub(flag.RolloutStart)
	frac := float64(elapsed) / float64(total)
	return int(frac * float64(flag.Percentage))
}
