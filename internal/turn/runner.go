package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowstack/conductor/internal/agent"
	"github.com/flowstack/conductor/internal/agent/providers"
	"github.com/flowstack/conductor/internal/backoff"
	"github.com/flowstack/conductor/internal/circuit"
	"github.com/flowstack/conductor/internal/costledger"
	ctxwindow "github.com/flowstack/conductor/internal/context"
	"github.com/flowstack/conductor/internal/flags"
	"github.com/flowstack/conductor/internal/observability"
	ragcontext "github.com/flowstack/conductor/internal/rag/context"
	"github.com/flowstack/conductor/internal/registry"
	"github.com/flowstack/conductor/internal/selector"
	"github.com/flowstack/conductor/internal/statestore"
	"github.com/flowstack/conductor/internal/tools"
	"github.com/flowstack/conductor/pkg/convo"
	"github.com/flowstack/conductor/pkg/models"
)

// Runner wires the agent registry, speaker selector, per-turn RAG injector,
// tool executor, cost ledger, circuit breaker, and feature-flag gate into
// the single per-turn sequence described by the system's turn lifecycle:
// resolve speaker, maybe inject context, check budget admission, stream a
// response, run any tool calls, record cost, persist the sealed Turn.
type Runner struct {
	registry *registry.Registry
	rag      *ragcontext.Injector
	toolExec *tools.Executor
	ledger   *costledger.Ledger
	store    statestore.Store
	breaker  *circuit.Breaker
	flagsMgr *flags.Manager
	events   *observability.EventRecorder
	model    modelProvider
	provider string // provider label passed to ShouldAdmit/RecordTurn
	config   RunnerConfig
	now      func() time.Time
}

// New builds a Runner. rag and toolExec may be nil (RAG injection and tool
// execution are both skipped); every other collaborator is required.
func New(
	reg *registry.Registry,
	rag *ragcontext.Injector,
	toolExec *tools.Executor,
	ledger *costledger.Ledger,
	store statestore.Store,
	breaker *circuit.Breaker,
	flagsMgr *flags.Manager,
	events *observability.EventRecorder,
	model modelProvider,
	providerLabel string,
	config RunnerConfig,
) *Runner {
	return &Runner{
		registry: reg,
		rag:      rag,
		toolExec: toolExec,
		ledger:   ledger,
		store:    store,
		breaker:  breaker,
		flagsMgr: flagsMgr,
		events:   events,
		model:    model,
		provider: providerLabel,
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Run executes the full per-turn sequence against req and returns the
// sealed turn's outcome. Partial streamed output is never retracted: once
// Publish has forwarded a chunk, Run's own error return is the only signal
// a caller needs to know the turn ultimately failed.
func (r *Runner) Run(ctx context.Context, req Request, participants []registry.AgentDescriptor, hints selector.Hints, pub Publisher) (Result, error) {
	if pub == nil {
		pub = PublisherFunc(func(context.Context, string, Chunk) {})
	}
	if len(participants) == 0 && r.registry != nil {
		participants = r.registry.List(registry.Filter{})
	}
	if len(participants) == 0 {
		return Result{}, ErrNoParticipants
	}

	// Step 1: resolve agent, model, system prompt.
	selHistory := make([]selector.Turn, len(req.History))
	for i, h := range req.History {
		selHistory[i] = selector.Turn{AgentID: h.AgentID, Message: h.Message}
	}
	chosen, rationale := selector.Select(req.Message, participants, req.MissionPhase, hints, selHistory)
	r.recordEvent(ctx, observability.EventSelectionDecision, "selection_decision", map[string]interface{}{
		"conversation_id": req.ConversationID,
		"agent_id":        chosen.ID,
		"reason":          string(rationale.Reason),
	})

	message := req.Message

	// Step 2: optionally inject per-turn retrieved context.
	var ragMetrics ragcontext.TurnMetrics
	if r.rag != nil && r.flagsMgr != nil && r.flagsMgr.IsEnabled(r.config.RAGFlagName, flags.EvalContext{UserID: req.UserID}) {
		history := make([]string, len(req.History))
		for i, h := range req.History {
			history[i] = h.Message
		}
		enhanced, metrics, err := r.rag.InjectContext(ctx, req.ConversationID, req.UserID, chosen.ID, req.TurnSeq, req.Message, history, r.now)
		if err == nil {
			message = enhanced
			ragMetrics = metrics
		}
	}

	turnID := uuid.NewString()
	started := r.now()

	// Step 3: budget admission.
	estCost := r.estimateCost(chosen.DefaultModel, message)
	if ok, reason := r.breaker.ShouldAdmit(r.provider, chosen.ID, estCost); !ok {
		r.recordEvent(ctx, observability.EventBudgetEvent, "admission_denied", map[string]interface{}{
			"conversation_id": req.ConversationID,
			"agent_id":        chosen.ID,
			"reason":          reason,
		})
		return Result{}, fmt.Errorf("%w: %s", ErrCircuitOpen, reason)
	}

	// Step 4: stream the model response, retrying transient failures.
	output, toolCalls, inTok, outTok, err := r.streamWithRetry(ctx, req.ConversationID, chosen, req.History, message, pub)
	if err != nil {
		r.breaker.RecordFailure()
		r.recordEvent(ctx, observability.EventErrorOccurred, "turn_failed", map[string]interface{}{
			"conversation_id": req.ConversationID,
			"agent_id":        chosen.ID,
			"error":           err.Error(),
		})
		return Result{}, err
	}
	r.breaker.RecordSuccess()

	// Step 5: run any requested tools, allowing bounded re-entrance into the
	// model so it can react to tool output.
	var toolResults []models.ToolResult
	continuations := 0
	for len(toolCalls) > 0 && continuations < r.config.MaxContinuations {
		continuations++
		if r.toolExec == nil {
			break
		}
		results, _ := r.toolExec.Execute(ctx, toolCalls, nil, func(e *models.RuntimeEvent) {
			pub.Publish(ctx, req.ConversationID, Chunk{Event: e})
		})
		for _, res := range results {
			toolResults = append(toolResults, res.Result)
		}

		followUp, nextCalls, moreIn, moreOut, ferr := r.continueWithToolResults(ctx, req.ConversationID, chosen, req.History, message, results, pub)
		inTok += moreIn
		outTok += moreOut
		if ferr != nil {
			break
		}
		output += followUp
		toolCalls = nextCalls
	}

	ended := r.now()
	latencyMs := ended.Sub(started).Milliseconds()

	// Step 6: record cost and update conversation aggregates.
	recordResult, cerr := r.ledger.RecordTurn(ctx, req.ConversationID, turnID, chosen.ID, r.provider, chosen.DefaultModel, inTok, outTok, latencyMs)
	if cerr != nil {
		r.recordEvent(ctx, observability.EventErrorOccurred, "cost_record_failed", map[string]interface{}{
			"conversation_id": req.ConversationID,
			"turn_id":         turnID,
			"error":           cerr.Error(),
		})
	}

	status := convo.TurnOK
	sealed := &convo.Turn{
		ID:             turnID,
		ConversationID: req.ConversationID,
		Seq:            req.TurnSeq,
		AgentID:        chosen.ID,
		RoleInTurn:     convo.RoleAssistant,
		InputPrompt:    message,
		OutputText:     output,
		InputTokens:    inTok,
		OutputTokens:   outTok,
		CostUSD:        recordResult.TurnCost.String(),
		ModelID:        chosen.DefaultModel,
		LatencyMs:      latencyMs,
		StartedAt:      started,
		EndedAt:        ended,
		Status:         status,
	}
	for _, tr := range toolResults {
		sealed.ToolResults = append(sealed.ToolResults, convo.ToolResult{
			ToolCallID: tr.ToolCallID,
			Output:     tr.Content,
			Truncated:  false,
		})
	}
	if err := r.store.AppendTurn(ctx, sealed); err != nil {
		r.recordEvent(ctx, observability.EventErrorOccurred, "turn_persist_failed", map[string]interface{}{
			"conversation_id": req.ConversationID,
			"turn_id":         turnID,
			"error":           err.Error(),
		})
	}

	pub.Publish(ctx, req.ConversationID, Chunk{Done: true})

	_ = ragMetrics // exposed via events.Record below for observability dashboards
	r.recordEvent(ctx, observability.EventCostTracked, "turn_complete", map[string]interface{}{
		"conversation_id":  req.ConversationID,
		"turn_id":          turnID,
		"facts_injected":   ragMetrics.FactsInjected,
		"history_injected": ragMetrics.HistoryInjected,
		"cache_hit":        ragMetrics.CacheHit,
	})

	return Result{
		TurnID:       turnID,
		AgentID:      chosen.ID,
		ModelID:      chosen.DefaultModel,
		OutputText:   output,
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      recordResult.TurnCost.String(),
		LatencyMs:    latencyMs,
		ToolResults:  toolResults,
		BudgetStatus: string(recordResult.BudgetStatus),
	}, nil
}

// streamWithRetry calls the model once, retrying transient failures with
// exponential backoff and jitter up to config.MaxRetries. Non-retryable
// errors (per providers.IsRetryable) surface immediately. Chunks already
// forwarded to pub on a failed attempt are not retracted — the retry simply
// starts a fresh request.
func (r *Runner) streamWithRetry(ctx context.Context, convID string, chosen registry.AgentDescriptor, history []HistoryEntry, message string, pub Publisher) (string, []models.ToolCall, int, int, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.backoffFor(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", nil, 0, 0, ctx.Err()
			}
		}

		output, calls, inTok, outTok, err := r.stream(ctx, convID, chosen, history, message, pub)
		if err == nil {
			return output, calls, inTok, outTok, nil
		}
		lastErr = err
		if !providers.IsRetryable(err) {
			pub.Publish(ctx, convID, Chunk{Err: err})
			return "", nil, 0, 0, err
		}
	}
	pub.Publish(ctx, convID, Chunk{Err: lastErr})
	return "", nil, 0, 0, fmt.Errorf("turn: exhausted %d retries: %w", r.config.MaxRetries, lastErr)
}

func (r *Runner) backoffFor(attempt int) time.Duration {
	return backoff.ComputeBackoff(backoff.BackoffPolicy{
		InitialMs: float64(r.config.BaseBackoff.Milliseconds()),
		MaxMs:     float64(r.config.MaxBackoff.Milliseconds()),
		Factor:    2,
		Jitter:    0.5,
	}, attempt)
}

func (r *Runner) stream(ctx context.Context, convID string, chosen registry.AgentDescriptor, history []HistoryEntry, message string, pub Publisher) (string, []models.ToolCall, int, int, error) {
	req := &agent.CompletionRequest{
		Model:    chosen.DefaultModel,
		System:   chosen.SystemPrompt,
		Messages: r.buildMessages(chosen, history, message),
	}

	chunks, err := r.model.Complete(ctx, req)
	if err != nil {
		return "", nil, 0, 0, err
	}

	var out strings.Builder
	var calls []models.ToolCall
	var inTok, outTok int

	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, 0, 0, chunk.Error
		}
		if chunk.Text != "" {
			out.WriteString(chunk.Text)
			pub.Publish(ctx, convID, Chunk{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			inTok = chunk.InputTokens
			outTok = chunk.OutputTokens
		}
	}

	return out.String(), calls, inTok, outTok, nil
}

// continueWithToolResults feeds tool output back to the model as a
// follow-up turn, letting it either respond with final text or request
// further tool calls (bounded by the caller's continuation loop).
func (r *Runner) continueWithToolResults(ctx context.Context, convID string, chosen registry.AgentDescriptor, history []HistoryEntry, priorMessage string, results []tools.Result, pub Publisher) (string, []models.ToolCall, int, int, error) {
	toolResults := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolResults[i] = res.Result
	}

	msgs := r.buildMessages(chosen, history, priorMessage)
	msgs = append(msgs, agent.CompletionMessage{Role: "tool", ToolResults: toolResults})

	req := &agent.CompletionRequest{
		Model:    chosen.DefaultModel,
		System:   chosen.SystemPrompt,
		Messages: msgs,
	}

	chunks, err := r.model.Complete(ctx, req)
	if err != nil {
		return "", nil, 0, 0, err
	}

	var out strings.Builder
	var calls []models.ToolCall
	var inTok, outTok int
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, 0, 0, chunk.Error
		}
		if chunk.Text != "" {
			out.WriteString(chunk.Text)
			pub.Publish(ctx, convID, Chunk{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			inTok = chunk.InputTokens
			outTok = chunk.OutputTokens
		}
	}
	return out.String(), calls, inTok, outTok, nil
}

// buildMessages turns the caller's prior-turn history and the current
// message into the CompletionRequest.Messages the model actually sees.
// Each history entry becomes an assistant message prefixed with the agent
// that spoke it, so a model picking up mid-conversation (round-robin,
// workflow graph, swarm) can tell participants apart. History is truncated
// oldest-first to fit a budget derived from the chosen model's context
// window, always keeping the current message.
func (r *Runner) buildMessages(chosen registry.AgentDescriptor, history []HistoryEntry, message string) []agent.CompletionMessage {
	msgs := make([]ctxwindow.Message, 0, len(history)+1)
	for _, h := range history {
		content := h.Message
		if h.AgentID != "" {
			content = fmt.Sprintf("[%s] %s", h.AgentID, h.Message)
		}
		msgs = append(msgs, ctxwindow.Message{Role: "assistant", Content: content})
	}
	msgs = append(msgs, ctxwindow.Message{Role: "user", Content: message})

	budget := r.config.MaxHistoryTokens
	if budget <= 0 {
		total, ok := ctxwindow.GetModelContextWindow(chosen.DefaultModel)
		if !ok {
			total = ctxwindow.DefaultContextWindow
		}
		budget = total / 4 // leave room for the system prompt, tool results, and response
	}

	trunc := ctxwindow.NewTruncator(ctxwindow.TruncateOldest, budget)
	trunc.SetKeepFirst(0)
	trunc.SetKeepLast(1)
	kept, _ := trunc.Truncate(msgs)

	out := make([]agent.CompletionMessage, len(kept))
	for i, m := range kept {
		out[i] = agent.CompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// estimateCost gives ShouldAdmit a pre-call cost figure using a rough
// chars-per-token heuristic; the authoritative figure is computed after the
// call completes and recorded via CostLedger.RecordTurn.
func (r *Runner) estimateCost(model, message string) decimal.Decimal {
	estTokens := len(message) / 4
	breakdown := r.ledger.Price(r.provider, model, estTokens, estTokens)
	return breakdown.TotalCostUSD
}

func (r *Runner) recordEvent(ctx context.Context, eventType observability.EventType, name string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	_ = r.events.Record(ctx, eventType, name, data)
}
