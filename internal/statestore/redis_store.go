package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowstack/conductor/pkg/convo"
)

// incrByScript is a Lua-scripted atomic counter increment. go-redis's own
// client already pipelines INCRBY atomically, but a script keeps the
// increment and the read of the post-increment value as a single round
// trip, and keeps the door open for fixed-point (non-float) variants of the
// same operation without changing the call site.
var incrByScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
return v
`)

var _ Store = (*RedisStore)(nil)

// RedisStore is the primary StateStore backend: a redis/go-redis/v9 client
// using hashes for records, sorted sets for turn lists, and the namespacing
// from spec.md §4.1.
type RedisStore struct {
	rdb    *redis.Client
	local  *LocalCache // optional; nil disables stale-read fallback
	prefix string
}

// NewRedisStore builds a RedisStore. local may be nil.
func NewRedisStore(rdb *redis.Client, local *LocalCache, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, local: local, prefix: keyPrefix}
}

func (s *RedisStore) k(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func (s *RedisStore) CreateConversation(ctx context.Context, c *convo.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	key := s.k(conversationKey(c.ID))
	if err := s.rdb.Set(ctx, key, payload, ConversationTTL()).Err(); err != nil {
		return wrapTransient(err)
	}
	if s.local != nil {
		s.local.PutConversation(c)
	}
	return nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (ReadResult, error) {
	key := s.k(conversationKey(id))
	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if s.local != nil {
				if c, ok := s.local.GetConversation(id); ok {
					return ReadResult{Conversation: c, Stale: true}, nil
				}
			}
			return ReadResult{}, ErrNotFound
		}
		if s.local != nil {
			if c, ok := s.local.GetConversation(id); ok {
				return ReadResult{Conversation: c, Stale: true}, nil
			}
		}
		return ReadResult{}, wrapTransient(err)
	}
	var c convo.Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return ReadResult{}, fmt.Errorf("unmarshal conversation: %w", err)
	}
	if s.local != nil {
		s.local.PutConversation(&c)
	}
	return ReadResult{Conversation: &c}, nil
}

// UpdateConversation applies patch under a WATCH/MULTI optimistic
// transaction; a concurrent writer between the GET and the EXEC surfaces as
// ErrConflict, per spec.md §4.1's "reconciles" failure mode.
func (s *RedisStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*convo.Conversation, error) {
	key := s.k(conversationKey(id))
	var updated convo.Conversation

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var c convo.Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return err
		}
		applyPatch(&c, patch)
		c.UpdatedAt = time.Now().UTC()
		updated = c

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			payload, merr := json.Marshal(&c)
			if merr != nil {
				return merr
			}
			p.Set(ctx, key, payload, ConversationTTL())
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrConflict
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient(err)
	}
	if s.local != nil {
		s.local.PutConversation(&updated)
	}
	return &updated, nil
}

func applyPatch(c *convo.Conversation, patch ConversationPatch) {
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.CoordinationPattern != nil {
		c.CoordinationPattern = *patch.CoordinationPattern
	}
	if patch.ParticipantAgentIDs != nil {
		c.ParticipantAgentIDs = patch.ParticipantAgentIDs
	}
	if patch.TurnCount != nil {
		c.TurnCount = *patch.TurnCount
	}
	if patch.CumulativeCostUSD != nil {
		c.CumulativeCostUSD = *patch.CumulativeCostUSD
	}
	if patch.CumulativeTokens != nil {
		c.CumulativeTokens = *patch.CumulativeTokens
	}
	if patch.MissionPhase != nil {
		c.MissionPhase = *patch.MissionPhase
	}
	if patch.ContextBag != nil {
		if c.ContextBag == nil {
			c.ContextBag = map[string]any{}
		}
		for k, v := range patch.ContextBag {
			c.ContextBag[k] = v
		}
	}
}

func (s *RedisStore) AppendTurn(ctx context.Context, t *convo.Turn) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := s.k(turnKey(t.ConversationID, t.Seq))
	listKey := s.k(turnListKey(t.ConversationID))

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, payload, TurnDetailTTL())
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(t.Seq), Member: t.ID})
	pipe.Expire(ctx, listKey, ConversationTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient(err)
	}
	return nil
}

func (s *RedisStore) ListTurns(ctx context.Context, convID string, lo, hi int) ([]*convo.Turn, error) {
	listKey := s.k(turnListKey(convID))
	ids, err := s.rdb.ZRangeByScore(ctx, listKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", lo),
		Max: fmt.Sprintf("%d", hi),
	}).Result()
	if err != nil {
		return nil, wrapTransient(err)
	}
	turns := make([]*convo.Turn, 0, len(ids))
	for seq := lo; seq <= hi; seq++ {
		raw, err := s.rdb.Get(ctx, s.k(turnKey(convID, seq))).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, wrapTransient(err)
		}
		var t convo.Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &t)
	}
	_ = ids // turnlist ordering validated via ZRangeByScore; turn bodies read by dense seq
	return turns, nil
}

func (s *RedisStore) SetCounter(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := incrByScript.Run(ctx, s.rdb, []string{s.k(key)}, delta).Int64()
	if err != nil {
		return 0, wrapTransient(err)
	}
	return v, nil
}

func (s *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, s.k(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapTransient(err)
	}
	return v, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.k(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, wrapTransient(err)
	}
	return v, true, nil
}

func (s *RedisStore) PushList(ctx context.Context, key string, item string) error {
	if err := s.rdb.RPush(ctx, s.k(key), item).Err(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

func (s *RedisStore) RangeList(ctx context.Context, key string, lo, hi int) ([]string, error) {
	items, err := s.rdb.LRange(ctx, s.k(key), int64(lo), int64(hi)).Result()
	if err != nil {
		return nil, wrapTransient(err)
	}
	return items, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.k(key)).Err(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

func (s *RedisStore) CreateApproval(ctx context.Context, a *convo.ApprovalRequest) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if err := s.rdb.Set(ctx, s.k(approvalKey(a.ID)), payload, ConversationTTL()).Err(); err != nil {
		return wrapTransient(err)
	}
	return nil
}

func (s *RedisStore) GetApproval(ctx context.Context, id string) (*convo.ApprovalRequest, error) {
	raw, err := s.rdb.Get(ctx, s.k(approvalKey(id))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient(err)
	}
	var a convo.ApprovalRequest
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &a, nil
}

func (s *RedisStore) UpdateApprovalStatus(ctx context.Context, id string, status convo.ApprovalStatus) (*convo.ApprovalRequest, error) {
	key := s.k(approvalKey(id))
	var updated convo.ApprovalRequest

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var a convo.ApprovalRequest
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return err
		}
		if a.Status != convo.ApprovalPending {
			return fmt.Errorf("approval %s already in terminal state %s", id, a.Status)
		}
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
		updated = a

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			payload, merr := json.Marshal(&a)
			if merr != nil {
				return merr
			}
			p.Set(ctx, key, payload, ConversationTTL())
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrConflict
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient(err)
	}
	return &updated, nil
}
