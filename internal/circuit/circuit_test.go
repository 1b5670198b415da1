package circuit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil)

	for i := 0; i < 2; i++ {
		if admit, reason := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero); !admit {
			t.Fatalf("ShouldAdmit before threshold: got denied with reason %q", reason)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed before threshold reached", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after threshold reached", b.State())
	}

	admit, reason := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if admit {
		t.Fatal("ShouldAdmit returned true while open")
	}
	if reason != ReasonFailureThreshold {
		t.Fatalf("reason = %q, want %q", reason, ReasonFailureThreshold)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 2}, nil)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)

	admit, _ := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if !admit {
		t.Fatal("expected ShouldAdmit to admit the half-open probe")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", b.State())
	}
}

func TestBreakerBudgetExceededOverridesHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	b.TripOnBudgetExceeded()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after budget exceeded tie-break", b.State())
	}
}

func TestBreakerProviderSuspension(t *testing.T) {
	b := New(Config{}, nil)
	b.SuspendProvider("openai", time.Hour)

	admit, reason := b.ShouldAdmit("openai", "agent-1", decimal.Zero)
	if admit {
		t.Fatal("expected suspended provider to be denied")
	}
	if reason != ReasonProviderSuspended {
		t.Fatalf("reason = %q, want %q", reason, ReasonProviderSuspended)
	}

	if admit, _ := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero); !admit {
		t.Fatal("expected unrelated provider to still be admitted")
	}

	b.ResumeProvider("openai")
	if admit, _ := b.ShouldAdmit("openai", "agent-1", decimal.Zero); !admit {
		t.Fatal("expected provider to be admitted after resume")
	}
}

func TestBreakerAgentSuspensionExpires(t *testing.T) {
	b := New(Config{}, nil)
	b.SuspendAgent("agent-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	b.Tick()

	if admit, _ := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero); !admit {
		t.Fatal("expected agent suspension to have expired after Tick")
	}
}

func TestEmergencyOverrideForcesAdmission(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	issuer := NewOverrideIssuer("test-secret")
	code, err := issuer.Issue("operator-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := b.ApplyOverride(issuer, code); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}

	admit, reason := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if !admit {
		t.Fatalf("expected override to force admission, denied with reason %q", reason)
	}
}

func TestEmergencyOverrideRejectsBadSecret(t *testing.T) {
	b := New(Config{}, nil)
	issuer := NewOverrideIssuer("correct-secret")
	code, err := issuer.Issue("operator-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewOverrideIssuer("wrong-secret")
	if err := b.ApplyOverride(other, code); err == nil {
		t.Fatal("expected ApplyOverride with mismatched secret to fail")
	}
}

func TestEmergencyOverrideExpires(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil)
	issuer := NewOverrideIssuer("test-secret")
	code, err := issuer.Issue("operator-1", time.Millisecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := b.ApplyOverride(issuer, code); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	b.RecordFailure()

	admit, reason := b.ShouldAdmit("anthropic", "agent-1", decimal.Zero)
	if admit {
		t.Fatalf("expected expired override to no longer mask admission, reason %q", reason)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	b := New(Config{}, nil)
	b.SuspendProvider("openai", time.Hour)
	b.SuspendAgent("agent-2", time.Hour)

	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("state = %v, want closed", snap.State)
	}
	if len(snap.SuspendedProviders) != 1 || snap.SuspendedProviders[0] != "openai" {
		t.Fatalf("SuspendedProviders = %v, want [openai]", snap.SuspendedProviders)
	}
	if len(snap.SuspendedAgents) != 1 || snap.SuspendedAgents[0] != "agent-2" {
		t.Fatalf("SuspendedAgents = %v, want [agent-2]", snap.SuspendedAgents)
	}
}
