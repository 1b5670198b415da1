package context

import (
	"context"
	"sort"
	"strings"
	"sync"
)

var _ MemoryStore = (*MemStore)(nil)

// MemStore is an in-memory MemoryStore: a per-user slice of Facts scored by
// word overlap against the query text. It is the degraded-mode/standalone
// default when no external long-term memory service is configured, the
// same role internal/statestore.MemStore plays for conversation state.
type MemStore struct {
	mu    sync.Mutex
	facts map[string][]Fact
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{facts: make(map[string][]Fact)}
}

// Put appends a fact to userID's store. Source identifies where the fact
// came from (e.g. a prior turn, an operator-loaded fact pack).
func (s *MemStore) Put(userID string, fact Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[userID] = append(s.facts[userID], fact)
}

// Query returns the top-k facts for userID ranked by word-overlap score
// against text, highest first. Facts below the overlap floor are dropped
// before ranking rather than padding the result with zero-score noise.
func (s *MemStore) Query(ctx context.Context, userID, text string, k int) ([]Fact, error) {
	s.mu.Lock()
	candidates := append([]Fact(nil), s.facts[userID]...)
	s.mu.Unlock()

	queryWords := wordSet(text)
	if len(queryWords) == 0 || len(candidates) == 0 {
		return nil, nil
	}

	scored := make([]Fact, 0, len(candidates))
	for _, f := range candidates {
		overlap := overlapScore(queryWords, wordSet(f.Content))
		if overlap <= 0 {
			continue
		}
		f.Score = overlap
		scored = append(scored, f)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func overlapScore(query, candidate map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := candidate[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
