package context

import (
	stdcontext "context"
	"errors"
	"testing"
	"time"
)

type stubStore struct {
	facts     []Fact
	err       error
	callCount int
}

func (s *stubStore) Query(ctx stdcontext.Context, userID, text string, k int) ([]Fact, error) {
	s.callCount++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.facts) > k {
		return s.facts[:k], nil
	}
	return s.facts, nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestInjectContextAppendsFactsAboveThreshold(t *testing.T) {
	store := &stubStore{facts: []Fact{
		{Content: "The Q4 budget was approved", Score: 0.9},
		{Content: "irrelevant low score fact", Score: 0.1},
	}}
	inj := NewInjector(store, DefaultInjectorConfig())

	enhanced, metrics, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "what's the budget status", nil, fixedNow)
	if err != nil {
		t.Fatalf("InjectContext failed: %v", err)
	}
	if metrics.FactsInjected != 1 {
		t.Fatalf("FactsInjected = %d, want 1", metrics.FactsInjected)
	}
	if want := "The Q4 budget was approved"; !contains(enhanced, want) {
		t.Fatalf("enhanced message missing fact %q: %q", want, enhanced)
	}
}

func TestInjectContextCachesWithinTTL(t *testing.T) {
	store := &stubStore{facts: []Fact{{Content: "fact one", Score: 0.95}}}
	inj := NewInjector(store, DefaultInjectorConfig())

	for i := 0; i < 3; i++ {
		if _, _, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "same message", nil, fixedNow); err != nil {
			t.Fatalf("InjectContext failed: %v", err)
		}
	}
	if store.callCount != 1 {
		t.Fatalf("MemoryStore queried %d times, want exactly 1 for identical (convID, turnSeq, agent, message)", store.callCount)
	}
}

func TestInjectContextRefreshesAfterTTLExpiry(t *testing.T) {
	store := &stubStore{facts: []Fact{{Content: "fact one", Score: 0.95}}}
	cfg := DefaultInjectorConfig()
	cfg.CacheTTL = time.Millisecond
	inj := NewInjector(store, cfg)

	base := fixedNow()
	if _, _, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "same message", nil, func() time.Time { return base }); err != nil {
		t.Fatalf("InjectContext failed: %v", err)
	}
	later := func() time.Time { return base.Add(time.Hour) }
	if _, _, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "same message", nil, later); err != nil {
		t.Fatalf("InjectContext failed: %v", err)
	}
	if store.callCount != 2 {
		t.Fatalf("MemoryStore queried %d times after TTL expiry, want 2", store.callCount)
	}
}

func TestInjectContextIncludesHistoryAfterThreshold(t *testing.T) {
	store := &stubStore{}
	inj := NewInjector(store, DefaultInjectorConfig())
	history := []string{"turn1", "turn2", "turn3"}

	_, metrics, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 3, "continue", history, fixedNow)
	if err != nil {
		t.Fatalf("InjectContext failed: %v", err)
	}
	if !metrics.HistoryInjected {
		t.Fatal("expected history to be injected once turnSeq reaches the threshold")
	}

	_, metrics, err = inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "early turn", history, fixedNow)
	if err != nil {
		t.Fatalf("InjectContext failed: %v", err)
	}
	if metrics.HistoryInjected {
		t.Fatal("expected history to be withheld before the turn threshold")
	}
}

func TestInjectContextPropagatesStoreError(t *testing.T) {
	store := &stubStore{err: errors.New("store unavailable")}
	inj := NewInjector(store, DefaultInjectorConfig())

	if _, _, err := inj.InjectContext(stdcontext.Background(), "conv1", "user1", "amy_cfo", 1, "message", nil, fixedNow); err == nil {
		t.Fatal("expected InjectContext to propagate a MemoryStore error")
	}
}

func TestRecencyWeightRampsFromEarlyToLate(t *testing.T) {
	cfg := DefaultInjectorConfig()
	if w := recencyWeight(0, cfg); w != cfg.RecencyWeightEarly {
		t.Fatalf("weight at turn 0 = %v, want %v", w, cfg.RecencyWeightEarly)
	}
	if w := recencyWeight(cfg.RecencyRampTurns, cfg); w != cfg.RecencyWeightLate {
		t.Fatalf("weight at ramp turn = %v, want %v", w, cfg.RecencyWeightLate)
	}
	mid := recencyWeight(cfg.RecencyRampTurns/2, cfg)
	if mid <= cfg.RecencyWeightEarly || mid >= cfg.RecencyWeightLate {
		t.Fatalf("mid-ramp weight %v not between %v and %v", mid, cfg.RecencyWeightEarly, cfg.RecencyWeightLate)
	}
}

func TestDetectGroundingLift(t *testing.T) {
	facts := []Fact{{Content: "The customer acquisition cost increased"}}
	if !DetectGroundingLift("Our CAC metrics show the acquisition cost increased last quarter", facts) {
		t.Fatal("expected grounding lift to be detected via keyword substring match")
	}
	if DetectGroundingLift("Completely unrelated response", facts) {
		t.Fatal("expected no grounding lift when no fact keyword appears in output")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
