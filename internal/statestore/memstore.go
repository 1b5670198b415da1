package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowstack/conductor/pkg/convo"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store, used in tests and as a degraded-mode
// standalone backend when no Redis endpoint is configured. It never
// returns ErrTransient (there is no network round trip to fail) and applies
// version-stamped optimistic concurrency for UpdateConversation the same
// way RedisStore's WATCH/MULTI does.
type MemStore struct {
	mu sync.Mutex

	conversations map[string]*convo.Conversation
	convVersion   map[string]int
	turns         map[string]map[int]*convo.Turn
	counters      map[string]int64
	strings       map[string]stringEntry
	lists         map[string][]string
	approvals     map[string]*convo.ApprovalRequest
}

type stringEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*convo.Conversation),
		convVersion:   make(map[string]int),
		turns:         make(map[string]map[int]*convo.Turn),
		counters:      make(map[string]int64),
		strings:       make(map[string]stringEntry),
		lists:         make(map[string][]string),
		approvals:     make(map[string]*convo.ApprovalRequest),
	}
}

func clone(c *convo.Conversation) *convo.Conversation {
	cp := *c
	cp.ParticipantAgentIDs = append([]string(nil), c.ParticipantAgentIDs...)
	if c.ContextBag != nil {
		cp.ContextBag = make(map[string]any, len(c.ContextBag))
		for k, v := range c.ContextBag {
			cp.ContextBag[k] = v
		}
	}
	return &cp
}

func (s *MemStore) CreateConversation(ctx context.Context, c *convo.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	s.conversations[c.ID] = clone(c)
	s.convVersion[c.ID] = 1
	return nil
}

func (s *MemStore) GetConversation(ctx context.Context, id string) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ReadResult{}, ErrNotFound
	}
	return ReadResult{Conversation: clone(c)}, nil
}

func (s *MemStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*convo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyPatch(c, patch)
	c.UpdatedAt = time.Now().UTC()
	s.convVersion[id]++
	return clone(c), nil
}

func (s *MemStore) AppendTurn(ctx context.Context, t *convo.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byConv, ok := s.turns[t.ConversationID]
	if !ok {
		byConv = make(map[int]*convo.Turn)
		s.turns[t.ConversationID] = byConv
	}
	cp := *t
	byConv[t.Seq] = &cp
	return nil
}

func (s *MemStore) ListTurns(ctx context.Context, convID string, lo, hi int) ([]*convo.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byConv := s.turns[convID]
	var out []*convo.Turn
	for seq := lo; seq <= hi; seq++ {
		if t, ok := byConv[seq]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemStore) SetCounter(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *MemStore) GetCounter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *MemStore) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.strings[key] = stringEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemStore) GetString(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) PushList(ctx context.Context, key string, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], item)
	return nil
}

func (s *MemStore) RangeList(ctx context.Context, key string, lo, hi int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.lists[key]
	if lo < 0 {
		lo = 0
	}
	if hi >= len(items) {
		hi = len(items) - 1
	}
	if lo > hi || len(items) == 0 {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, items[lo:hi+1])
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.lists, key)
	delete(s.counters, key)
	return nil
}

func (s *MemStore) CreateApproval(ctx context.Context, a *convo.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

func (s *MemStore) GetApproval(ctx context.Context, id string) (*convo.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) UpdateApprovalStatus(ctx context.Context, id string, status convo.ApprovalStatus) (*convo.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != convo.ApprovalPending {
		return nil, ErrConflict
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}
