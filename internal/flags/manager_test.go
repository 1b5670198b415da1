package flags

import (
	"testing"
	"time"
)

func TestIsEnabledOffAndOn(t *testing.T) {
	m := New([]Flag{
		{Name: "disabled_feature", Strategy: StrategyOff},
		{Name: "enabled_feature", Strategy: StrategyOn},
	})

	if m.IsEnabled("disabled_feature", EvalContext{UserID: "u1"}) {
		t.Fatal("expected off strategy to always be disabled")
	}
	if !m.IsEnabled("enabled_feature", EvalContext{UserID: "u1"}) {
		t.Fatal("expected on strategy to always be enabled")
	}
}

func TestIsEnabledUnknownFlagFailsClosed(t *testing.T) {
	m := New(nil)
	if m.IsEnabled("nonexistent", EvalContext{UserID: "u1"}) {
		t.Fatal("expected unknown flag to be disabled")
	}
}

func TestIsEnabledPercentageIsDeterministic(t *testing.T) {
	m := New([]Flag{{Name: "rollout", Strategy: StrategyPercentage, Percentage: 50}})

	first := m.IsEnabled("rollout", EvalContext{UserID: "stable-user"})
	for i := 0; i < 10; i++ {
		if got := m.IsEnabled("rollout", EvalContext{UserID: "stable-user"}); got != first {
			t.Fatalf("percentage strategy not stable across repeated calls: got %v, want %v", got, first)
		}
	}
}

func TestIsEnabledPercentageDistributesAcrossUsers(t *testing.T) {
	m := New([]Flag{{Name: "rollout", Strategy: StrategyPercentage, Percentage: 50}})

	enabled := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if m.IsEnabled("rollout", EvalContext{UserID: randomishID(i)}) {
			enabled++
		}
	}
	frac := float64(enabled) / float64(n)
	if frac < 0.4 || frac > 0.6 {
		t.Fatalf("expected roughly 50%% enabled, got %.2f", frac)
	}
}

func TestIsEnabledWhitelists(t *testing.T) {
	m := New([]Flag{
		{Name: "user_flag", Strategy: StrategyUserWhitelist, UserWhitelist: map[string]bool{"alice": true}},
		{Name: "group_flag", Strategy: StrategyGroupWhitelist, GroupWhitelist: map[string]bool{"beta": true}},
	})

	if !m.IsEnabled("user_flag", EvalContext{UserID: "alice"}) {
		t.Fatal("expected whitelisted user to be enabled")
	}
	if m.IsEnabled("user_flag", EvalContext{UserID: "bob"}) {
		t.Fatal("expected non-whitelisted user to be disabled")
	}
	if !m.IsEnabled("group_flag", EvalContext{GroupID: "beta"}) {
		t.Fatal("expected whitelisted group to be enabled")
	}
}

func TestIsEnabledGradualRamp(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	m := New([]Flag{{
		Name:         "ramping",
		Strategy:     StrategyGradual,
		Percentage:   100,
		RolloutStart: start,
		RolloutEnd:   end,
	}})
	m.nowFunc = func() time.Time { return start }
	if m.IsEnabled("ramping", EvalContext{UserID: "anyone"}) {
		t.Fatal("expected 0%% ramp at rollout start")
	}

	m.nowFunc = func() time.Time { return end.Add(time.Second) }
	if !m.IsEnabled("ramping", EvalContext{UserID: "anyone"}) {
		t.Fatal("expected full percentage after rollout end")
	}
}

func TestIsEnabledDependsOnAndConflicts(t *testing.T) {
	m := New([]Flag{
		{Name: "base", Strategy: StrategyOn},
		{Name: "dependent", Strategy: StrategyOn, DependsOn: []string{"base"}},
		{Name: "blocker", Strategy: StrategyOn},
		{Name: "conflicting", Strategy: StrategyOn, ConflictsWith: []string{"blocker"}},
	})

	if !m.IsEnabled("dependent", EvalContext{UserID: "u1"}) {
		t.Fatal("expected dependent flag to be enabled when its dependency is enabled")
	}
	if m.IsEnabled("conflicting", EvalContext{UserID: "u1"}) {
		t.Fatal("expected conflicting flag to be disabled when the conflicting flag is enabled")
	}
}

func TestGetVariantDeterministicAndControl(t *testing.T) {
	m := New([]Flag{{
		Name:       "checkout_experiment",
		Strategy:   StrategyABTest,
		Percentage: 100,
		Variants:   []Variant{{Name: "a", Weight: 1}, {Name: "b", Weight: 1}},
	}})

	first := m.GetVariant("checkout_experiment", EvalContext{UserID: "u1"})
	if first != "a" && first != "b" {
		t.Fatalf("unexpected variant %q", first)
	}
	for i := 0; i < 5; i++ {
		if got := m.GetVariant("checkout_experiment", EvalContext{UserID: "u1"}); got != first {
			t.Fatalf("variant assignment not stable: got %q, want %q", got, first)
		}
	}

	if got := m.GetVariant("unknown_flag", EvalContext{UserID: "u1"}); got != ControlVariant {
		t.Fatalf("got %q, want control for unknown flag", got)
	}
}

func TestReloadIsAtomic(t *testing.T) {
	m := New([]Flag{{Name: "f", Strategy: StrategyOff}})
	if m.IsEnabled("f", EvalContext{UserID: "u1"}) {
		t.Fatal("expected flag to be off before reload")
	}
	m.Reload([]Flag{{Name: "f", Strategy: StrategyOn}})
	if !m.IsEnabled("f", EvalContext{UserID: "u1"}) {
		t.Fatal("expected flag to be on after reload")
	}
}

func TestUsageCounters(t *testing.T) {
	m := New([]Flag{{Name: "f", Strategy: StrategyOn}})
	m.IsEnabled("f", EvalContext{UserID: "u1"})
	m.IsEnabled("f", EvalContext{UserID: "u2"})

	counts := m.UsageCounts("f")
	if counts[ActionCheck] != 2 {
		t.Fatalf("check count = %d, want 2", counts[ActionCheck])
	}
	if counts[ActionEnabled] != 2 {
		t.Fatalf("enabled count = %d, want 2", counts[ActionEnabled])
	}
	if counts[ActionDisabled] != 0 {
		t.Fatalf("disabled count = %d, want 0", counts[ActionDisabled])
	}
}

func randomishID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	n := i*2654435761 + 7
	for idx := range b {
		n = n*1103515245 + 12345
		b[idx] = letters[(n>>16)%len(letters)]
	}
	return string(b)
}
