package statestore

import (
	"context"
	"time"

	"github.com/flowstack/conductor/pkg/convo"
)

// ConversationPatch describes a partial update to a Conversation. Only
// non-nil fields are applied; the store itself enforces no cycles or
// cross-field invariants beyond what StateStore owns (CAS on the stored
// version, not on individual fields).
type ConversationPatch struct {
	Status              *convo.ConversationStatus
	CoordinationPattern *convo.CoordinationPattern
	ParticipantAgentIDs []string
	TurnCount           *int
	CumulativeCostUSD   *string
	CumulativeTokens    *int64
	MissionPhase        *string
	ContextBag          map[string]any
}

// ReadResult wraps a conversation read with the staleness flag required by
// "may serve stale reads from an optional local cache".
type ReadResult struct {
	Conversation *convo.Conversation
	Stale        bool
}

// Store is the StateStore public contract from spec.md §4.1. All operations
// are logically asynchronous (context-bound); each call either succeeds
// atomically or returns ErrTransient / ErrConflict.
type Store interface {
	CreateConversation(ctx context.Context, c *convo.Conversation) error
	GetConversation(ctx context.Context, id string) (ReadResult, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*convo.Conversation, error)

	AppendTurn(ctx context.Context, t *convo.Turn) error
	ListTurns(ctx context.Context, convID string, lo, hi int) ([]*convo.Turn, error)

	SetCounter(ctx context.Context, key string, delta int64) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)

	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, bool, error)

	PushList(ctx context.Context, key string, item string) error
	RangeList(ctx context.Context, key string, lo, hi int) ([]string, error)

	Delete(ctx context.Context, key string) error

	// ApprovalRequest persistence, namespaced under approval:{id}.
	CreateApproval(ctx context.Context, a *convo.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*convo.ApprovalRequest, error)
	UpdateApprovalStatus(ctx context.Context, id string, status convo.ApprovalStatus) (*convo.ApprovalRequest, error)
}

// CostKeys builds the two atomic counter keys RecordTurn increments, kept
// here (rather than in costledger) since they are StateStore's namespace.
func CostDailyKey(date string) string     { return costDailyKey(date) }
func CostConversationKey(id string) string { return costConvKey(id) }
func ConversationTTL() time.Duration {
	return DefaultConversationTTLHours * time.Hour
}
func DailyAggregateTTL() time.Duration {
	return DailyAggregateTTLDays * 24 * time.Hour
}
func TurnDetailTTL() time.Duration {
	return TurnDetailTTLDays * 24 * time.Hour
}
