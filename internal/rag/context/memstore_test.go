package context

import (
	stdcontext "context"
	"testing"
)

func TestMemStoreQueryRanksByWordOverlap(t *testing.T) {
	store := NewMemStore()
	store.Put("user1", Fact{Content: "The Q4 budget was approved at $2M", Source: "turn-1"})
	store.Put("user1", Fact{Content: "The weather in Seattle is rainy today", Source: "turn-2"})
	store.Put("user1", Fact{Content: "Q4 budget review meeting is Friday", Source: "turn-3"})

	facts, err := store.Query(stdcontext.Background(), "user1", "what's the Q4 budget status", 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2 (weather fact should score zero)", len(facts))
	}
	if facts[0].Source != "turn-1" && facts[0].Source != "turn-3" {
		t.Fatalf("unexpected top fact: %+v", facts[0])
	}
	if facts[0].Score < facts[1].Score {
		t.Fatalf("facts not ranked highest-first: %+v", facts)
	}
}

func TestMemStoreQueryRespectsK(t *testing.T) {
	store := NewMemStore()
	for i := 0; i < 5; i++ {
		store.Put("user1", Fact{Content: "budget report detail", Source: "x"})
	}
	facts, err := store.Query(stdcontext.Background(), "user1", "budget report", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}
}

func TestMemStoreQueryUnknownUserReturnsEmpty(t *testing.T) {
	store := NewMemStore()
	facts, err := store.Query(stdcontext.Background(), "nobody", "anything", 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("got %d facts, want 0", len(facts))
	}
}
