// Package orchestrator implements the Orchestrator component: the public
// entry point that resolves or creates a conversation, gates sensitive
// actions behind human approval, and dispatches each turn across one of
// four coordination patterns (single agent, round-robin group, workflow
// graph, swarm), generalized from internal/multiagent's channel-coupled
// dispatch into a StateStore-backed, cooperatively cancellable sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowstack/conductor/internal/observability"
	"github.com/flowstack/conductor/internal/registry"
	"github.com/flowstack/conductor/internal/selector"
	"github.com/flowstack/conductor/internal/statestore"
	"github.com/flowstack/conductor/internal/turn"
	"github.com/flowstack/conductor/pkg/convo"
)

// ErrAwaitingApproval is returned when a request requires HITL approval and
// none has been granted yet. The conversation is left in
// ConversationAwaitingApproval; callers resume it later by setting
// OrchestrateRequest.ApprovalID once the approval resolves.
var ErrAwaitingApproval = errors.New("orchestrator: awaiting human approval")

// ErrApprovalDenied is returned when resuming a conversation whose gating
// approval was denied rather than approved.
var ErrApprovalDenied = errors.New("orchestrator: approval was denied")

// Config tunes coordination-pattern behavior. Zero values fall back to
// documented defaults.
type Config struct {
	MaxRoundRobinRounds int
	MaxSwarmConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxRoundRobinRounds <= 0 {
		c.MaxRoundRobinRounds = 4
	}
	if c.MaxSwarmConcurrency <= 0 {
		c.MaxSwarmConcurrency = 4
	}
	return c
}

// Orchestrator is the Coordination-Pattern dispatcher.
type Orchestrator struct {
	registry *registry.Registry
	runner   *turn.Runner
	store    statestore.Store
	events   *observability.EventRecorder
	config   Config
}

// New builds an Orchestrator.
func New(reg *registry.Registry, runner *turn.Runner, store statestore.Store, events *observability.EventRecorder, config Config) *Orchestrator {
	return &Orchestrator{registry: reg, runner: runner, store: store, events: events, config: config.withDefaults()}
}

// Orchestrate is the public entry point: it resolves or creates the
// conversation named by req.ConversationID, gates HITL-sensitive requests
// behind an ApprovalRequest, and dispatches to the conversation's
// CoordinationPattern.
func (o *Orchestrator) Orchestrate(ctx context.Context, req convo.OrchestrateRequest, pub turn.Publisher) (convo.OrchestrateResult, error) {
	start := time.Now()

	c, err := o.resolveConversation(ctx, req)
	if err != nil {
		return convo.OrchestrateResult{}, err
	}

	if req.ApprovalID != "" {
		approval, err := o.store.GetApproval(ctx, req.ApprovalID)
		if err != nil {
			return convo.OrchestrateResult{}, fmt.Errorf("orchestrator: load approval: %w", err)
		}
		switch approval.Status {
		case convo.ApprovalDenied:
			return convo.OrchestrateResult{}, ErrApprovalDenied
		case convo.ApprovalPending:
			return convo.OrchestrateResult{}, ErrAwaitingApproval
		}
		active := convo.ConversationActive
		if c, err = o.store.UpdateConversation(ctx, c.ID, statestore.ConversationPatch{Status: &active}); err != nil {
			return convo.OrchestrateResult{}, fmt.Errorf("orchestrator: resume conversation: %w", err)
		}
	} else if req.RequiresApproval {
		approval := &convo.ApprovalRequest{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			UserID:         req.UserID,
			Action:         req.Message,
			Metadata:       req.Custom,
			Status:         convo.ApprovalPending,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := o.store.CreateApproval(ctx, approval); err != nil {
			return convo.OrchestrateResult{}, fmt.Errorf("orchestrator: create approval: %w", err)
		}
		awaiting := convo.ConversationAwaitingApproval
		if _, err := o.store.UpdateConversation(ctx, c.ID, statestore.ConversationPatch{Status: &awaiting}); err != nil {
			return convo.OrchestrateResult{}, fmt.Errorf("orchestrator: mark awaiting approval: %w", err)
		}
		o.recordEvent(ctx, observability.EventHITLApprovalRequired, "approval_required", map[string]interface{}{
			"conversation_id": c.ID,
			"approval_id":     approval.ID,
		})
		return convo.OrchestrateResult{ConversationID: c.ID}, ErrAwaitingApproval
	}

	participants := o.resolveParticipants(c)
	if len(participants) == 0 {
		return convo.OrchestrateResult{}, turn.ErrNoParticipants
	}

	var results []turn.Result
	switch pattern := c.CoordinationPattern; pattern {
	case convo.PatternRoundRobin:
		results, err = o.runRoundRobin(ctx, req, c, participants, pub)
	case convo.PatternWorkflowGraph:
		results, err = o.runWorkflowGraph(ctx, req, c, participants, pub)
	case convo.PatternSwarm:
		results, err = o.runSwarm(ctx, req, c, participants, pub)
	default:
		results, err = o.runSingleAgent(ctx, req, c, participants, pub)
	}
	if err != nil && len(results) == 0 {
		failed := convo.ConversationFailed
		_, _ = o.store.UpdateConversation(ctx, c.ID, statestore.ConversationPatch{Status: &failed})
		return convo.OrchestrateResult{}, err
	}

	completed := convo.ConversationCompleted
	turnCount := c.TurnCount + len(results)
	_, _ = o.store.UpdateConversation(ctx, c.ID, statestore.ConversationPatch{Status: &completed, TurnCount: &turnCount})

	return o.summarize(c.ID, results, start), nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req convo.OrchestrateRequest) (*convo.Conversation, error) {
	if req.ConversationID != "" {
		res, err := o.store.GetConversation(ctx, req.ConversationID)
		if err == nil && res.Conversation != nil {
			return res.Conversation, nil
		}
	}

	pattern := req.CoordinationPattern
	if pattern == "" {
		pattern = convo.PatternSingleAgent
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	c := &convo.Conversation{
		ID:                  id,
		UserID:              req.UserID,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
		Status:              convo.ConversationActive,
		CoordinationPattern: pattern,
		MissionPhase:        req.MissionPhase,
	}
	if err := o.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: create conversation: %w", err)
	}
	return c, nil
}

func (o *Orchestrator) resolveParticipants(c *convo.Conversation) []registry.AgentDescriptor {
	if len(c.ParticipantAgentIDs) == 0 {
		return o.registry.List(registry.Filter{})
	}
	participants := make([]registry.AgentDescriptor, 0, len(c.ParticipantAgentIDs))
	for _, id := range c.ParticipantAgentIDs {
		if d, ok := o.registry.Get(id); ok {
			participants = append(participants, d)
		}
	}
	return participants
}

// runSingleAgent lets SpeakerSelector choose one participant for the whole
// request and runs exactly one turn.
func (o *Orchestrator) runSingleAgent(ctx context.Context, req convo.OrchestrateRequest, c *convo.Conversation, participants []registry.AgentDescriptor, pub turn.Publisher) ([]turn.Result, error) {
	tr := turn.Request{
		ConversationID: c.ID,
		UserID:         req.UserID,
		Message:        req.Message,
		MissionPhase:   c.MissionPhase,
		TurnSeq:        c.TurnCount + 1,
	}
	result, err := o.runner.Run(ctx, tr, participants, selector.Hints{}, pub)
	if err != nil {
		return nil, err
	}
	return []turn.Result{result}, nil
}

// runRoundRobin cycles through participants in registry order, feeding each
// prior turn's output as the next agent's input, stopping at
// Config.MaxRoundRobinRounds or on cooperative cancellation between turns.
func (o *Orchestrator) runRoundRobin(ctx context.Context, req convo.OrchestrateRequest, c *convo.Conversation, participants []registry.AgentDescriptor, pub turn.Publisher) ([]turn.Result, error) {
	sorted := append([]registry.AgentDescriptor(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var results []turn.Result
	message := req.Message
	var history []turn.HistoryEntry

	rounds := o.config.MaxRoundRobinRounds
	if len(sorted) > 0 && rounds > len(sorted) {
		rounds = len(sorted)
	}

	for i := 0; i < rounds; i++ {
		if ctx.Err() != nil {
			break
		}
		pinned := sorted[i%len(sorted)]
		tr := turn.Request{
			ConversationID: c.ID,
			UserID:         req.UserID,
			Message:        message,
			MissionPhase:   c.MissionPhase,
			TurnSeq:        c.TurnCount + len(results) + 1,
			History:        history,
		}
		result, err := o.runner.Run(ctx, tr, sorted, selector.Hints{PinnedAgentIDs: []string{pinned.ID}}, pub)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		history = append(history, turn.HistoryEntry{AgentID: result.AgentID, Message: result.OutputText})
		message = result.OutputText
	}
	return results, nil
}

// runWorkflowGraph runs participants in registry-ID-sorted stages: every
// agent is its own stage today (no declared inter-agent dependency data
// exists yet in AgentDescriptor), executed sequentially so later stages see
// earlier output — the staged shape generalizes directly should
// dependency metadata be added to agent definitions later.
func (o *Orchestrator) runWorkflowGraph(ctx context.Context, req convo.OrchestrateRequest, c *convo.Conversation, participants []registry.AgentDescriptor, pub turn.Publisher) ([]turn.Result, error) {
	return o.runRoundRobin(ctx, req, c, participants, pub)
}

// runSwarm runs every participant concurrently against the same input
// message, bounded by Config.MaxSwarmConcurrency, and returns all results
// (order not meaningful — callers merge by AgentID).
func (o *Orchestrator) runSwarm(ctx context.Context, req convo.OrchestrateRequest, c *convo.Conversation, participants []registry.AgentDescriptor, pub turn.Publisher) ([]turn.Result, error) {
	sem := make(chan struct{}, o.config.MaxSwarmConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []turn.Result
	var firstErr error

	for i, p := range participants {
		wg.Add(1)
		go func(idx int, agentID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			tr := turn.Request{
				ConversationID: c.ID,
				UserID:         req.UserID,
				Message:        req.Message,
				MissionPhase:   c.MissionPhase,
				TurnSeq:        c.TurnCount + idx + 1,
			}
			result, err := o.runner.Run(ctx, tr, participants, selector.Hints{PinnedAgentIDs: []string{agentID}}, pub)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results = append(results, result)
		}(i, p.ID)
	}
	wg.Wait()

	if len(results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (o *Orchestrator) summarize(convID string, results []turn.Result, start time.Time) convo.OrchestrateResult {
	var response string
	var agentsUsed []string
	seen := map[string]bool{}
	var inTok, outTok int64
	var model string
	totalCost := decimal.Zero

	for _, r := range results {
		if r.OutputText != "" {
			response = r.OutputText
		}
		if !seen[r.AgentID] {
			seen[r.AgentID] = true
			agentsUsed = append(agentsUsed, r.AgentID)
		}
		inTok += int64(r.InputTokens)
		outTok += int64(r.OutputTokens)
		model = r.ModelID
		if cost, err := decimal.NewFromString(r.CostUSD); err == nil {
			totalCost = totalCost.Add(cost)
		}
	}

	return convo.OrchestrateResult{
		ConversationID:  convID,
		Response:        response,
		AgentsUsed:      agentsUsed,
		TurnCount:       len(results),
		DurationSeconds: time.Since(start).Seconds(),
		CostBreakdown: convo.CostBreakdown{
			TotalCostUSD: totalCost.String(),
			InputTokens:  inTok,
			OutputTokens: outTok,
			TotalTokens:  inTok + outTok,
			Model:        model,
		},
		Timestamp: time.Now().UTC(),
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, eventType observability.EventType, name string, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	_ = o.events.Record(ctx, eventType, name, data)
}
