package statestore

import "fmt"

// Key namespacing, exactly as specified: conv:{id}, turn:{convID}:{seq},
// turnlist:{convID}, cost:daily:{YYYY-MM-DD}, cost:conv:{convID},
// approval:{id}.

func conversationKey(id string) string { return fmt.Sprintf("conv:%s", id) }

func turnKey(convID string, seq int) string { return fmt.Sprintf("turn:%s:%d", convID, seq) }

func turnListKey(convID string) string { return fmt.Sprintf("turnlist:%s", convID) }

func costDailyKey(date string) string { return fmt.Sprintf("cost:daily:%s", date) }

func costConvKey(convID string) string { return fmt.Sprintf("cost:conv:%s", convID) }

func approvalKey(id string) string { return fmt.Sprintf("approval:%s", id) }

// TTL defaults per key class, per spec.md §4.1.
const (
	DefaultConversationTTLHours = 1
	DailyAggregateTTLDays       = 7
	TurnDetailTTLDays           = 30
)
