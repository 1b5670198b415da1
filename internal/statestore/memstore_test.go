package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/flowstack/conductor/pkg/convo"
)

func TestMemStoreConversationLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	c := &convo.Conversation{ID: "conv-1", Status: convo.ConversationActive}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Conversation.ID != "conv-1" {
		t.Fatalf("got id %q, want conv-1", got.Conversation.ID)
	}

	completed := convo.ConversationCompleted
	updated, err := s.UpdateConversation(ctx, "conv-1", ConversationPatch{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if updated.Status != convo.ConversationCompleted {
		t.Fatalf("got status %q, want completed", updated.Status)
	}

	if _, err := s.GetConversation(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

func TestMemStoreTurnsOrderedBySeq(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, seq := range []int{3, 1, 2} {
		if err := s.AppendTurn(ctx, &convo.Turn{ConversationID: "conv-1", Seq: seq}); err != nil {
			t.Fatalf("AppendTurn(%d): %v", seq, err)
		}
	}

	turns, err := s.ListTurns(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("turns[%d].Seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func TestMemStoreCounters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if v, err := s.SetCounter(ctx, "cost:daily:2026-07-31", 100); err != nil || v != 100 {
		t.Fatalf("SetCounter = (%d, %v), want (100, nil)", v, err)
	}
	if v, err := s.SetCounter(ctx, "cost:daily:2026-07-31", 50); err != nil || v != 150 {
		t.Fatalf("SetCounter = (%d, %v), want (150, nil)", v, err)
	}
	if v, err := s.GetCounter(ctx, "cost:daily:2026-07-31"); err != nil || v != 150 {
		t.Fatalf("GetCounter = (%d, %v), want (150, nil)", v, err)
	}
}

func TestMemStoreStringsWithTTL(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "flag:x", "on", time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, err := s.GetString(ctx, "flag:x"); err != nil || ok {
		t.Fatalf("GetString after expiry = (ok=%v, err=%v), want ok=false", ok, err)
	}

	if err := s.SetWithTTL(ctx, "flag:y", "on", time.Hour); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if v, ok, err := s.GetString(ctx, "flag:y"); err != nil || !ok || v != "on" {
		t.Fatalf("GetString = (%q, %v, %v), want (on, true, nil)", v, ok, err)
	}
}

func TestMemStoreLists(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, item := range []string{"a", "b", "c"} {
		if err := s.PushList(ctx, "log:1", item); err != nil {
			t.Fatalf("PushList: %v", err)
		}
	}
	items, err := s.RangeList(ctx, "log:1", 0, -1)
	if err != nil {
		t.Fatalf("RangeList: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(items) != len(want) {
		t.Fatalf("got %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("items[%d] = %q, want %q", i, items[i], want[i])
		}
	}
}

func TestMemStoreApprovalLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	a := &convo.ApprovalRequest{ID: "appr-1", Status: convo.ApprovalPending}
	if err := s.CreateApproval(ctx, a); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	updated, err := s.UpdateApprovalStatus(ctx, "appr-1", convo.ApprovalApproved)
	if err != nil {
		t.Fatalf("UpdateApprovalStatus: %v", err)
	}
	if updated.Status != convo.ApprovalApproved {
		t.Fatalf("got status %q, want approved", updated.Status)
	}

	if _, err := s.UpdateApprovalStatus(ctx, "appr-1", convo.ApprovalDenied); err != ErrConflict {
		t.Fatalf("got err %v, want ErrConflict for re-resolving a resolved approval", err)
	}
}
